package erp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/invoicedesk/invoicedesk/internal/gateway"
	"github.com/invoicedesk/invoicedesk/internal/invoices"
)

const (
	vendorSearchPath = "/api/v1/vendors/search"
	loginPath        = "/auth/login_with_genius"
	pushPath         = "/api/v1/push_to_genius"

	notAvailable = "N/A"
)

// Backend is the ERP-facing API.
type Backend interface {
	SearchVendor(ctx context.Context, name, address string) (VendorMatch, error)
	Login(ctx context.Context, creds Credentials) (string, error)
	Push(ctx context.Context, token string, req PushRequest) (PushResponse, error)
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

// SearchVendor looks a vendor up by name and address.
func (b *APIBackend) SearchVendor(ctx context.Context, name, address string) (VendorMatch, error) {
	res, err := b.client.Do(ctx, gateway.Request{
		Method: http.MethodPost,
		Path:   vendorSearchPath,
		Body:   map[string]string{"vendor_name": name, "address": address},
	})
	if err != nil {
		return VendorMatch{}, err
	}
	if err := res.Err(); err != nil {
		return VendorMatch{}, err
	}
	var payload struct {
		Success    bool         `json:"success"`
		VendorInfo *VendorMatch `json:"vendor_info"`
		Message    string       `json:"message"`
	}
	if err := res.Decode(&payload); err != nil {
		return VendorMatch{}, fmt.Errorf("erp: decode vendor search: %w", err)
	}
	if !payload.Success || payload.VendorInfo == nil {
		msg := payload.Message
		if strings.TrimSpace(msg) == "" {
			msg = "Unknown error"
		}
		return VendorMatch{}, &LookupError{Message: msg}
	}
	return *payload.VendorInfo, nil
}

// Login exchanges ERP credentials for a token.
func (b *APIBackend) Login(ctx context.Context, creds Credentials) (string, error) {
	res, err := b.client.Do(ctx, gateway.Request{
		Method:      http.MethodPost,
		Path:        loginPath,
		Body:        creds,
		KeepSession: true,
	})
	if err != nil {
		return "", err
	}
	if !res.Success {
		if res.Kind == gateway.FailureApplication {
			return "", &LoginError{Message: gateway.ExtractMessage(res.Data, "Authentication failed")}
		}
		return "", res.Err()
	}
	var payload struct {
		Success bool   `json:"success"`
		Token   string `json:"token"`
		Message string `json:"message"`
	}
	if err := res.Decode(&payload); err != nil {
		return "", fmt.Errorf("erp: decode login: %w", err)
	}
	if !payload.Success || payload.Token == "" {
		msg := payload.Message
		if strings.TrimSpace(msg) == "" {
			msg = "Authentication failed"
		}
		return "", &LoginError{Message: msg}
	}
	return payload.Token, nil
}

// Push submits the payload with the ERP bearer token. Transport failures and
// non-2xx answers are returned as errors; an answer the ERP rejected comes
// back as a response whose Succeeded reports false.
func (b *APIBackend) Push(ctx context.Context, token string, req PushRequest) (PushResponse, error) {
	res, err := b.client.Do(ctx, gateway.Request{
		Method:      http.MethodPost,
		Path:        pushPath,
		Body:        req,
		Bearer:      token,
		KeepSession: true,
	})
	if err != nil {
		return PushResponse{}, err
	}
	if err := res.Err(); err != nil {
		return PushResponse{}, err
	}
	var out PushResponse
	if err := res.Decode(&out); err != nil {
		return PushResponse{}, fmt.Errorf("erp: decode push: %w", err)
	}
	out.Raw = res.Data
	return out, nil
}

// PushRequest is the fixed-shape push payload.
type PushRequest struct {
	InvoiceData  InvoiceData `json:"invoice_data"`
	VendorData   VendorData  `json:"vendor_data"`
	PushToGenius bool        `json:"push_to_genius"`
}

// InvoiceData bundles the invoice being pushed.
type InvoiceData struct {
	Success           bool               `json:"success"`
	Message           string             `json:"message"`
	ExtractedInvoices []ExtractedInvoice `json:"extracted_invoices"`
	InvoiceIDs        []invoices.ID      `json:"invoice_ids"`
}

// ExtractedInvoice is one invoice with numerics coerced to numbers.
type ExtractedInvoice struct {
	InvoiceNumber string                   `json:"invoice_number"`
	InvoiceDate   string                   `json:"invoice_date"`
	PONumber      string                   `json:"po_number"`
	Subtotal      float64                  `json:"subtotal"`
	Taxes         float64                  `json:"taxes"`
	Freight       float64                  `json:"freight"`
	Total         float64                  `json:"total"`
	VendorInfo    invoices.VendorInfo      `json:"vendor_info"`
	Items         []invoices.ReprocessItem `json:"items"`
}

// VendorData carries the confirmed vendor match.
type VendorData struct {
	Success    bool        `json:"success"`
	Message    string      `json:"message"`
	VendorInfo VendorMatch `json:"vendor_info"`
}

// NewPushRequest builds the payload for inv and the confirmed match. Missing
// text becomes "N/A" and missing numerics 0. Blank placeholder rows are left
// out of the items.
func NewPushRequest(inv invoices.Invoice, match VendorMatch, now time.Time) PushRequest {
	date := now.UTC()
	if uploaded, ok := inv.UploadedDate(); ok {
		date = uploaded.UTC()
	}

	vendor := invoices.VendorInfo{Name: match.Name, Address: notAvailable, ContactInfo: notAvailable}
	if inv.Vendor != nil {
		vendor.Name = textOr(inv.Vendor.Name, match.Name)
		vendor.Address = textOr(inv.Vendor.Address, notAvailable)
		vendor.ContactInfo = textOr(inv.Vendor.ContactInfo, notAvailable)
	}

	items := make([]invoices.ReprocessItem, 0, len(inv.Items))
	for _, item := range inv.Items {
		if strings.TrimSpace(item.Name) == "" && !item.Quantity.Valid() && !item.Value.Valid() {
			continue
		}
		items = append(items, invoices.ReprocessItem{
			Name:     textOr(item.Name, notAvailable),
			Quantity: item.Quantity.Float(),
			Price:    item.Value.Float(),
		})
	}

	return PushRequest{
		InvoiceData: InvoiceData{
			Success: true,
			Message: "Successfully processed invoice",
			ExtractedInvoices: []ExtractedInvoice{{
				InvoiceNumber: textOr(ptrText(inv.InvoiceNumber), notAvailable),
				InvoiceDate:   date.Format("2006-01-02"),
				PONumber:      textOr(ptrText(inv.PONumber), notAvailable),
				Subtotal:      inv.Subtotal.Float(),
				Taxes:         inv.Taxes.Float(),
				Freight:       inv.Freight.Float(),
				Total:         inv.Total.Float(),
				VendorInfo:    vendor,
				Items:         items,
			}},
			InvoiceIDs: []invoices.ID{inv.ID},
		},
		VendorData: VendorData{
			Success:    true,
			Message:    "Vendor found using name: " + match.Name,
			VendorInfo: match,
		},
		PushToGenius: true,
	}
}

// PushResult is the ERP's own verdict inside a push response.
type PushResult struct {
	Success      bool            `json:"success"`
	ErrorDetails json.RawMessage `json:"error_details,omitempty"`
	Message      json.RawMessage `json:"message,omitempty"`
	Error        json.RawMessage `json:"error,omitempty"`
}

// PushResponse is the push endpoint's answer. Message and error fields may
// be strings or nested objects.
type PushResponse struct {
	Success    bool            `json:"success"`
	Message    json.RawMessage `json:"message,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
	PushResult *PushResult     `json:"push_result,omitempty"`
	Raw        json.RawMessage `json:"-"`
}

// Succeeded reports whether both the backend and the ERP accepted the push.
func (r PushResponse) Succeeded() bool {
	return r.Success && r.PushResult != nil && r.PushResult.Success
}

// ClassifyPushFailure picks the most specific message in a rejected push.
func ClassifyPushFailure(resp PushResponse) string {
	if pr := resp.PushResult; pr != nil {
		for _, field := range []json.RawMessage{pr.ErrorDetails, pr.Message, pr.Error} {
			if present(field) {
				return ExtractMessage(field)
			}
		}
	}
	for _, field := range []json.RawMessage{resp.Message, resp.Error} {
		if present(field) {
			return ExtractMessage(field)
		}
	}
	if resp.PushResult != nil {
		encoded, err := json.Marshal(resp.PushResult)
		if err == nil {
			return ExtractMessage(json.RawMessage(encoded))
		}
	}
	return ExtractMessage(resp.Raw)
}

// ExtractMessage pulls a readable message out of an ERP error body.
func ExtractMessage(body any) string {
	return gateway.ExtractMessage(body, UnknownERPError)
}

// present reports whether a raw field holds a truthy value.
func present(raw json.RawMessage) bool {
	v := bytes.TrimSpace(raw)
	switch string(v) {
	case "", "null", `""`, "false", "0":
		return false
	}
	return true
}

func textOr(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func ptrText(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
