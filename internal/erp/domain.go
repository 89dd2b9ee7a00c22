// Package erp drives the hand-off of an approved invoice to the Genius ERP:
// vendor lookup, operator confirmation, the ERP session gate, the push and
// the status commit that follows it.
package erp

import (
	"errors"
	"fmt"
	"time"

	"github.com/invoicedesk/invoicedesk/internal/invoices"
)

// VendorMatch is the ERP vendor record returned by the lookup. The operator
// may edit every field before the push; empty values are allowed through.
type VendorMatch struct {
	Name               string `json:"name"`
	Code               string `json:"code"`
	PaymentTermCode    string `json:"payment_term_code"`
	TaxGroupHeaderCode string `json:"tax_group_header_code"`
	GLAccountCode      string `json:"gl_account_code"`
}

// Credentials authenticate against the ERP.
type Credentials struct {
	CompanyCode string `json:"CompanyCode" validate:"required"`
	Username    string `json:"Username" validate:"required"`
	Password    string `json:"Password" validate:"required"`
}

// Outcome describes a successful push.
type Outcome struct {
	InvoiceID    invoices.ID `json:"invoice_id"`
	StatusSynced bool        `json:"status_synced"`
	Message      string      `json:"message"`
}

// Divergence is an invoice pushed to the ERP whose Approved status was not
// accepted by the invoice backend yet.
type Divergence struct {
	ID           int64      `json:"id"`
	InvoiceID    string     `json:"invoice_id"`
	TargetStatus string     `json:"target_status"`
	LastError    string     `json:"last_error"`
	Attempts     int        `json:"attempts"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}

// UnknownERPError is used when an ERP error body carries no readable message.
const UnknownERPError = "Unknown error occurred while communicating with Genius ERP"

var (
	ErrNoPendingApproval = errors.New("erp: no approval in progress")
	ErrPushInProgress    = errors.New("erp: push already in progress")
	ErrLoginRequired     = errors.New("erp: login required")
	ErrVendorNotFound    = errors.New("erp: vendor lookup failed")
	ErrPushRejected      = errors.New("erp: push rejected")
	ErrLoginRejected     = errors.New("erp: login rejected")
)

// StatusSyncError reports that the push succeeded but the status commit on
// the invoice backend did not.
type StatusSyncError struct {
	InvoiceID string
	Err       error
	Retryable bool
}

func (e *StatusSyncError) Error() string {
	return fmt.Sprintf("erp: status sync for invoice %s: %v", e.InvoiceID, e.Err)
}

func (e *StatusSyncError) Unwrap() error {
	return e.Err
}

// LookupError is a vendor search the backend answered but could not satisfy.
type LookupError struct {
	Message string
}

func (e *LookupError) Error() string {
	return "erp: vendor lookup: " + e.Message
}

func (e *LookupError) Unwrap() error {
	return ErrVendorNotFound
}

// PushFailure is a push the ERP rejected. Message is the classified reason.
type PushFailure struct {
	Message string
}

func (e *PushFailure) Error() string {
	return "erp: push: " + e.Message
}

func (e *PushFailure) Unwrap() error {
	return ErrPushRejected
}

// LoginError is an ERP login the backend refused.
type LoginError struct {
	Message string
}

func (e *LoginError) Error() string {
	return "erp: login: " + e.Message
}

func (e *LoginError) Unwrap() error {
	return ErrLoginRejected
}
