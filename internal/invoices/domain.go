// Package invoices owns the local invoice cache and the lifecycle state
// machine driven by operator actions.
package invoices

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Status is the lifecycle state of an invoice.
type Status string

const (
	StatusPending     Status = "Pending"
	StatusNeedsReview Status = "Needs Review"
	StatusApproved    Status = "Approved"
	StatusError       Status = "Error"
	StatusLoading     Status = "Loading"
	StatusInProgress  Status = "In Progress"
)

// ParseStatus maps a backend value to a known Status.
func ParseStatus(v string) (Status, bool) {
	switch s := Status(strings.TrimSpace(v)); s {
	case StatusPending, StatusNeedsReview, StatusApproved, StatusError, StatusLoading, StatusInProgress:
		return s, true
	default:
		return "", false
	}
}

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	_, ok := ParseStatus(string(s))
	return ok
}

// Transient reports whether s marks an operation in flight.
func (s Status) Transient() bool {
	return s == StatusLoading || s == StatusInProgress
}

// UnmarshalJSON leaves unknown values empty so callers can apply defaults.
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		*s = ""
		return nil
	}
	parsed, _ := ParseStatus(raw)
	*s = parsed
	return nil
}

// ID is the server-assigned identifier. The backend sends numbers or strings.
type ID string

// UnmarshalJSON accepts JSON numbers and strings.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	*id = ID(string(data))
	return nil
}

// MarshalJSON renders canonical integer ids as numbers and everything else,
// including "007" or "+5", as strings.
func (id ID) MarshalJSON() ([]byte, error) {
	if n, err := strconv.ParseInt(string(id), 10, 64); err == nil && strconv.FormatInt(n, 10) == string(id) {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// VendorInfo is the vendor block extracted from the document.
type VendorInfo struct {
	Name        string `json:"Name"`
	Address     string `json:"Address"`
	ContactInfo string `json:"Contact Info"`
}

// Complete reports whether name and address are present.
func (v *VendorInfo) Complete() bool {
	return v != nil && strings.TrimSpace(v.Name) != "" && strings.TrimSpace(v.Address) != ""
}

// LineItem is one invoice line.
type LineItem struct {
	Name     string `json:"name"`
	Quantity Amount `json:"quantity"`
	Value    Amount `json:"value"`
}

// UnmarshalJSON accepts price as an alias for value.
func (li *LineItem) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name     *string `json:"name"`
		Quantity Amount  `json:"quantity"`
		Value    Amount  `json:"value"`
		Price    Amount  `json:"price"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	li.Name = ""
	if raw.Name != nil {
		li.Name = *raw.Name
	}
	li.Quantity = raw.Quantity
	li.Value = raw.Value
	if !li.Value.Valid() {
		li.Value = raw.Price
	}
	return nil
}

// Invoice is one uploaded document and its extracted data.
type Invoice struct {
	ID                ID          `json:"id"`
	Status            Status      `json:"status"`
	InvoiceNumber     *string     `json:"invoice_number"`
	PONumber          *string     `json:"po_number"`
	NDANumber         *string     `json:"nda_number"`
	Subtotal          Amount      `json:"subtotal"`
	Taxes             Amount      `json:"taxes"`
	Freight           Amount      `json:"freight"`
	Total             Amount      `json:"total"`
	Vendor            *VendorInfo `json:"vendor_info"`
	Items             []LineItem  `json:"items"`
	PDFPath           string      `json:"pdf_path,omitempty"`
	UploadedAt        string      `json:"uploaded_at,omitempty"`
	StatusSyncPending bool        `json:"status_sync_pending,omitempty"`
}

// Clone returns a deep copy.
func (inv Invoice) Clone() Invoice {
	out := inv
	out.InvoiceNumber = cloneString(inv.InvoiceNumber)
	out.PONumber = cloneString(inv.PONumber)
	out.NDANumber = cloneString(inv.NDANumber)
	if inv.Vendor != nil {
		v := *inv.Vendor
		out.Vendor = &v
	}
	if inv.Items != nil {
		out.Items = append([]LineItem(nil), inv.Items...)
	}
	return out
}

var uploadLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// UploadedDate parses the upload timestamp. The backend omits the zone on
// some deployments; such values are read as UTC.
func (inv Invoice) UploadedDate() (time.Time, bool) {
	v := strings.TrimSpace(inv.UploadedAt)
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range uploadLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// VendorName returns the extracted vendor name or an empty string.
func (inv Invoice) VendorName() string {
	if inv.Vendor == nil {
		return ""
	}
	return inv.Vendor.Name
}

// Counts are the dashboard totals. Each value is fetched independently.
type Counts struct {
	Total    int `json:"total"`
	Approved int `json:"approved"`
	Pending  int `json:"pending"`
	Error    int `json:"error"`
}

// Detail is the working copy shown in the detail view.
type Detail struct {
	Invoice  Invoice `json:"invoice"`
	EditMode bool    `json:"edit_mode"`
}

// Warning returns the persistent inline warning for statuses that need
// operator attention.
func (d Detail) Warning() string {
	switch d.Invoice.Status {
	case StatusError:
		return "This invoice could not be processed. Review the document or delete it and upload again."
	case StatusNeedsReview:
		return "Some fields need review. Use Edit Manually to correct them, then Re-Process."
	default:
		return ""
	}
}

// Edit carries operator changes. Nil fields are left untouched; numeric
// fields are raw operator input.
type Edit struct {
	InvoiceNumber *string     `json:"invoice_number"`
	PONumber      *string     `json:"po_number"`
	NDANumber     *string     `json:"nda_number"`
	Subtotal      *string     `json:"subtotal"`
	Taxes         *string     `json:"taxes"`
	Freight       *string     `json:"freight"`
	Total         *string     `json:"total"`
	Vendor        *VendorInfo `json:"vendor_info"`
	Items         []ItemEdit  `json:"items"`
}

// ItemEdit is a line item as typed by the operator.
type ItemEdit struct {
	Name     string `json:"name"`
	Quantity string `json:"quantity"`
	Value    string `json:"value"`
}

var (
	ErrInvoiceNotFound  = errors.New("invoices: invoice not found")
	ErrNoSelection      = errors.New("invoices: no invoice selected")
	ErrEditNotAllowed   = errors.New("invoices: edits are only allowed while an invoice needs review")
	ErrNotInEditMode    = errors.New("invoices: edit mode is not active")
	ErrReprocessBusy    = errors.New("invoices: reprocess already in progress")
	ErrNotApprovable    = errors.New("invoices: invoice cannot be approved in its current status")
	ErrVendorIncomplete = errors.New("invoices: vendor name and address are required")
	ErrNoFiles          = errors.New("invoices: no files to upload")
)

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
