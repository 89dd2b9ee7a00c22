package erp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/invoicedesk/invoicedesk/internal/gateway"
	"github.com/invoicedesk/invoicedesk/internal/invoices"
)

// StatusSyncer replays status commits that failed after a successful push.
type StatusSyncer struct {
	status StatusCommitter
	ledger SyncLedger
	logger *slog.Logger
}

func NewStatusSyncer(status StatusCommitter, ledger SyncLedger, logger *slog.Logger) *StatusSyncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusSyncer{status: status, ledger: ledger, logger: logger}
}

// Retry re-sends Approved for invoiceID and resolves its divergence. A
// failure is counted on the ledger and returned as *StatusSyncError.
func (s *StatusSyncer) Retry(ctx context.Context, invoiceID string) error {
	err := s.status.UpdateStatus(ctx, invoices.ID(invoiceID), invoices.StatusApproved)
	if err != nil {
		if markErr := s.ledger.MarkAttempt(ctx, invoiceID, invoices.UserMessage(err)); markErr != nil {
			s.logger.Error("mark status sync attempt", slog.String("invoice_id", invoiceID), slog.Any("error", markErr))
		}
		return newStatusSyncError(invoiceID, err)
	}
	if err := s.ledger.Resolve(ctx, invoiceID); err != nil {
		return fmt.Errorf("erp: resolve divergence: %w", err)
	}
	s.logger.Info("status sync resolved", slog.String("invoice_id", invoiceID))
	return nil
}

// OpenInvoiceIDs lists invoices still waiting for a status commit.
func (s *StatusSyncer) OpenInvoiceIDs(ctx context.Context) ([]string, error) {
	return s.ledger.OpenInvoiceIDs(ctx)
}

func newStatusSyncError(invoiceID string, err error) *StatusSyncError {
	retryable := true
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		retryable = gwErr.Retryable()
	}
	return &StatusSyncError{InvoiceID: invoiceID, Err: err, Retryable: retryable}
}
