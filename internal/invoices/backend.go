package invoices

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/invoicedesk/invoicedesk/internal/gateway"
)

// CountKind selects one of the dashboard counters.
type CountKind string

const (
	CountTotal    CountKind = "total"
	CountApproved CountKind = "approved"
	CountPending  CountKind = "pending"
	CountError    CountKind = "error"
)

// AllCounts lists every counter fetched on load.
var AllCounts = []CountKind{CountTotal, CountApproved, CountPending, CountError}

// Upload is one document handed to the extraction backend.
type Upload struct {
	Name    string
	Content io.Reader
}

// Extracted is the subset of extraction output the desk reads back.
type Extracted struct {
	InvoiceNumber *string     `json:"invoice_number"`
	Total         Amount      `json:"total"`
	Vendor        *VendorInfo `json:"vendor_info"`
}

// UploadResult is the backend's answer to an upload. Unknown fields are kept
// in Raw for the UI.
type UploadResult struct {
	Success       bool            `json:"success"`
	Message       string          `json:"message,omitempty"`
	ExtractedData *Extracted      `json:"extracted_data,omitempty"`
	Results       []UploadResult  `json:"results,omitempty"`
	Raw           json.RawMessage `json:"raw,omitempty"`
}

// ReprocessItem is a normalised line item sent for recompute.
type ReprocessItem struct {
	Name     string  `json:"name"`
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`
}

// ReprocessRequest is the edited field set sent for recompute.
type ReprocessRequest struct {
	InvoiceNumber *string         `json:"invoice_number"`
	PONumber      *string         `json:"po_number"`
	NDANumber     *string         `json:"nda_number"`
	Subtotal      *float64        `json:"subtotal"`
	Taxes         *float64        `json:"taxes"`
	Freight       *float64        `json:"freight"`
	Total         *float64        `json:"total"`
	Vendor        *VendorInfo     `json:"vendor_info"`
	Items         []ReprocessItem `json:"items"`
}

// NewReprocessRequest normalises an invoice for the recompute endpoint.
// Blank strings and missing numerics become null; item numerics default to 0.
func NewReprocessRequest(inv Invoice) ReprocessRequest {
	req := ReprocessRequest{
		InvoiceNumber: nonEmpty(inv.InvoiceNumber),
		PONumber:      nonEmpty(inv.PONumber),
		NDANumber:     nonEmpty(inv.NDANumber),
		Subtotal:      inv.Subtotal.Ptr(),
		Taxes:         inv.Taxes.Ptr(),
		Freight:       inv.Freight.Ptr(),
		Total:         inv.Total.Ptr(),
	}
	if inv.Vendor != nil {
		v := *inv.Vendor
		req.Vendor = &v
	}
	if inv.Items != nil {
		req.Items = make([]ReprocessItem, 0, len(inv.Items))
		for _, item := range inv.Items {
			req.Items = append(req.Items, ReprocessItem{
				Name:     item.Name,
				Quantity: item.Quantity.Float(),
				Price:    item.Value.Float(),
			})
		}
	}
	return req
}

// ReprocessResult is the recompute response.
type ReprocessResult struct {
	Success bool            `json:"success"`
	Updated json.RawMessage `json:"updated_invoice"`
	Message string          `json:"message"`
}

// Backend is the invoice API consumed by the controller.
type Backend interface {
	List(ctx context.Context) ([]Invoice, error)
	Count(ctx context.Context, kind CountKind) (int, error)
	Upload(ctx context.Context, files []Upload) (UploadResult, error)
	Delete(ctx context.Context, id ID) error
	UpdateStatus(ctx context.Context, id ID, status Status) error
	Reprocess(ctx context.Context, id ID, req ReprocessRequest) (ReprocessResult, error)
}

// Doer executes gateway requests.
type Doer interface {
	Do(ctx context.Context, req gateway.Request) (gateway.Result, error)
}

// APIBackend implements Backend over the gateway client.
type APIBackend struct {
	client Doer
}

func NewAPIBackend(client Doer) *APIBackend {
	return &APIBackend{client: client}
}

const basePath = "/invoices/invoices"

// RejectedError is a 2xx answer that reported success=false.
type RejectedError struct {
	Message string
}

func (e *RejectedError) Error() string {
	return e.Message
}

// UserMessage renders err for a notification body.
func UserMessage(err error) string {
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		return gwErr.Message
	}
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return rejected.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func (b *APIBackend) do(ctx context.Context, req gateway.Request) (gateway.Result, error) {
	res, err := b.client.Do(ctx, req)
	if err != nil {
		return res, err
	}
	if err := res.Err(); err != nil {
		return res, err
	}
	return res, nil
}

// List fetches all invoices. The backend answers with a bare array or an
// object wrapping it under "invoices".
func (b *APIBackend) List(ctx context.Context) ([]Invoice, error) {
	res, err := b.do(ctx, gateway.Request{Method: http.MethodGet, Path: basePath})
	if err != nil {
		return nil, err
	}
	data := bytes.TrimSpace(res.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return []Invoice{}, nil
	}
	var list []Invoice
	if data[0] == '[' {
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("invoices: decode list: %w", err)
		}
		return list, nil
	}
	var wrapped struct {
		Invoices []Invoice `json:"invoices"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("invoices: decode list: %w", err)
	}
	if wrapped.Invoices == nil {
		return []Invoice{}, nil
	}
	return wrapped.Invoices, nil
}

// Count fetches one counter.
func (b *APIBackend) Count(ctx context.Context, kind CountKind) (int, error) {
	path := basePath + "/count"
	if kind != CountTotal {
		path += "/" + string(kind)
	}
	res, err := b.do(ctx, gateway.Request{Method: http.MethodGet, Path: path})
	if err != nil {
		return 0, err
	}
	var payload struct {
		Count *int `json:"count"`
	}
	if err := res.Decode(&payload); err != nil {
		return 0, fmt.Errorf("invoices: decode %s count: %w", kind, err)
	}
	if payload.Count == nil {
		return 0, fmt.Errorf("invoices: %s count missing", kind)
	}
	return *payload.Count, nil
}

// Upload sends one file to the single endpoint and several to the batch one.
func (b *APIBackend) Upload(ctx context.Context, files []Upload) (UploadResult, error) {
	if len(files) == 0 {
		return UploadResult{}, ErrNoFiles
	}
	path, field := basePath+"/upload", "file"
	if len(files) > 1 {
		path, field = basePath+"/upload-multiple", "files"
	}
	parts := make([]gateway.File, 0, len(files))
	for _, f := range files {
		parts = append(parts, gateway.File{Field: field, Name: f.Name, Content: f.Content})
	}
	res, err := b.do(ctx, gateway.Request{Method: http.MethodPost, Path: path, Files: parts})
	if err != nil {
		return UploadResult{}, err
	}
	out := UploadResult{Success: true, Raw: res.Data}
	data := bytes.TrimSpace(res.Data)
	switch {
	case len(data) == 0:
	case data[0] == '{':
		var decoded UploadResult
		if err := json.Unmarshal(data, &decoded); err != nil {
			return out, nil
		}
		var envelope struct {
			Success *bool `json:"success"`
		}
		_ = json.Unmarshal(data, &envelope)
		decoded.Success = envelope.Success == nil || *envelope.Success
		decoded.Raw = res.Data
		out = decoded
	case data[0] == '[':
		_ = json.Unmarshal(data, &out.Results)
	}
	return out, nil
}

// Delete removes an invoice server-side.
func (b *APIBackend) Delete(ctx context.Context, id ID) error {
	_, err := b.do(ctx, gateway.Request{Method: http.MethodDelete, Path: basePath + "/" + url.PathEscape(string(id))})
	return err
}

// UpdateStatus commits a status change server-side.
func (b *APIBackend) UpdateStatus(ctx context.Context, id ID, status Status) error {
	body := map[string]any{"invoice_id": id, "status": status}
	res, err := b.do(ctx, gateway.Request{Method: http.MethodPut, Path: basePath + "/update-status-by-id", Body: body})
	if err != nil {
		return err
	}
	var payload struct {
		Success *bool  `json:"success"`
		Message string `json:"message"`
	}
	if err := res.Decode(&payload); err != nil {
		if errors.Is(err, gateway.ErrNoData) {
			return nil
		}
		return fmt.Errorf("invoices: decode status update: %w", err)
	}
	if payload.Success != nil && !*payload.Success {
		return &RejectedError{Message: orDefault(payload.Message, "Failed to update invoice status")}
	}
	return nil
}

// Reprocess sends edited fields for recompute.
func (b *APIBackend) Reprocess(ctx context.Context, id ID, req ReprocessRequest) (ReprocessResult, error) {
	res, err := b.do(ctx, gateway.Request{
		Method: http.MethodPut,
		Path:   basePath + "/" + url.PathEscape(string(id)) + "/reprocess",
		Body:   req,
	})
	if err != nil {
		return ReprocessResult{}, err
	}
	var out ReprocessResult
	if err := res.Decode(&out); err != nil {
		return ReprocessResult{}, fmt.Errorf("invoices: decode reprocess: %w", err)
	}
	if !out.Success {
		return out, &RejectedError{Message: orDefault(out.Message, "Failed to reprocess invoice")}
	}
	return out, nil
}

// mergeInvoice overlays the fields present in patch onto base. Identity and
// local sync markers are kept; a missing or unknown status keeps base's.
func mergeInvoice(base Invoice, patch json.RawMessage) (Invoice, error) {
	patch = bytes.TrimSpace(patch)
	if len(patch) == 0 || bytes.Equal(patch, []byte("null")) {
		return base, nil
	}
	var patchFields map[string]json.RawMessage
	if err := json.Unmarshal(patch, &patchFields); err != nil {
		return base, fmt.Errorf("invoices: decode updated invoice: %w", err)
	}
	encoded, err := json.Marshal(base)
	if err != nil {
		return base, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(encoded, &fields); err != nil {
		return base, err
	}
	for key, value := range patchFields {
		if key == "id" || key == "status_sync_pending" {
			continue
		}
		fields[key] = value
	}
	merged, err := json.Marshal(fields)
	if err != nil {
		return base, err
	}
	var out Invoice
	if err := json.Unmarshal(merged, &out); err != nil {
		return base, fmt.Errorf("invoices: apply updated invoice: %w", err)
	}
	out.ID = base.ID
	out.StatusSyncPending = base.StatusSyncPending
	if !out.Status.Valid() {
		out.Status = base.Status
	}
	return out, nil
}

func nonEmpty(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	v := *s
	return &v
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
