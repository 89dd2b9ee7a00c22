package erp

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/invoicedesk/invoicedesk/internal/platform/db"
)

// SyncLedger records invoices whose status commit failed after a push.
type SyncLedger interface {
	Record(ctx context.Context, invoiceID, cause string) (Divergence, error)
	MarkAttempt(ctx context.Context, invoiceID, cause string) error
	Resolve(ctx context.Context, invoiceID string) error
	ListOpen(ctx context.Context) ([]Divergence, error)
	OpenInvoiceIDs(ctx context.Context) ([]string, error)
}

// SyncScheduler queues a background retry of a status commit.
type SyncScheduler interface {
	ScheduleStatusSync(ctx context.Context, invoiceID string) error
}

const approvedTarget = "Approved"

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS status_sync_divergences (
	id            BIGSERIAL PRIMARY KEY,
	profile       TEXT        NOT NULL,
	invoice_id    TEXT        NOT NULL,
	target_status TEXT        NOT NULL,
	last_error    TEXT        NOT NULL DEFAULT '',
	attempts      INTEGER     NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	resolved_at   TIMESTAMPTZ
);
DROP INDEX IF EXISTS status_sync_divergences_open_idx;
CREATE UNIQUE INDEX IF NOT EXISTS status_sync_divergences_open_uidx
	ON status_sync_divergences (profile, invoice_id) WHERE resolved_at IS NULL;
`

// recordDivergence opens a row or refreshes the open one in a single
// statement; the partial unique index serialises concurrent callers.
const recordDivergence = `INSERT INTO status_sync_divergences (profile, invoice_id, target_status, last_error)
VALUES ($1, $2, $3, $4)
ON CONFLICT (profile, invoice_id) WHERE resolved_at IS NULL
DO UPDATE SET last_error = EXCLUDED.last_error, updated_at = now()
RETURNING id, invoice_id, target_status, last_error, attempts, created_at, updated_at, resolved_at`

// PGSyncLedger stores divergences in PostgreSQL, one open row per invoice
// and desk profile.
type PGSyncLedger struct {
	pool    *pgxpool.Pool
	profile string
}

func NewPGSyncLedger(pool *pgxpool.Pool, profile string) *PGSyncLedger {
	return &PGSyncLedger{pool: pool, profile: profile}
}

// EnsureSchema creates the ledger table and its open-row index when missing.
func (l *PGSyncLedger) EnsureSchema(ctx context.Context) error {
	err := db.WithTx(ctx, l.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, ledgerSchema)
		return err
	})
	if err != nil {
		return fmt.Errorf("erp: ensure ledger schema: %w", err)
	}
	return nil
}

// Record opens a divergence for invoiceID, or refreshes the open one.
func (l *PGSyncLedger) Record(ctx context.Context, invoiceID, cause string) (Divergence, error) {
	row := l.pool.QueryRow(ctx, recordDivergence, l.profile, invoiceID, approvedTarget, cause)
	out, err := scanDivergence(row)
	if err != nil {
		return Divergence{}, fmt.Errorf("erp: record divergence: %w", err)
	}
	return out, nil
}

// MarkAttempt counts a failed retry.
func (l *PGSyncLedger) MarkAttempt(ctx context.Context, invoiceID, cause string) error {
	_, err := l.pool.Exec(ctx, `UPDATE status_sync_divergences
		SET attempts = attempts + 1, last_error = $3, updated_at = now()
		WHERE profile = $1 AND invoice_id = $2 AND resolved_at IS NULL`, l.profile, invoiceID, cause)
	if err != nil {
		return fmt.Errorf("erp: mark attempt: %w", err)
	}
	return nil
}

// Resolve closes the open divergence for invoiceID. Resolving an invoice
// without one is a no-op.
func (l *PGSyncLedger) Resolve(ctx context.Context, invoiceID string) error {
	_, err := l.pool.Exec(ctx, `UPDATE status_sync_divergences
		SET resolved_at = now(), updated_at = now()
		WHERE profile = $1 AND invoice_id = $2 AND resolved_at IS NULL`, l.profile, invoiceID)
	if err != nil {
		return fmt.Errorf("erp: resolve divergence: %w", err)
	}
	return nil
}

// ListOpen returns unresolved divergences, oldest first.
func (l *PGSyncLedger) ListOpen(ctx context.Context) ([]Divergence, error) {
	rows, err := l.pool.Query(ctx, `SELECT id, invoice_id, target_status, last_error, attempts, created_at, updated_at, resolved_at
		FROM status_sync_divergences
		WHERE profile = $1 AND resolved_at IS NULL
		ORDER BY created_at, id`, l.profile)
	if err != nil {
		return nil, fmt.Errorf("erp: list divergences: %w", err)
	}
	defer rows.Close()
	var out []Divergence
	for rows.Next() {
		d, err := scanDivergence(rows)
		if err != nil {
			return nil, fmt.Errorf("erp: scan divergence: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("erp: list divergences: %w", err)
	}
	return out, nil
}

// OpenInvoiceIDs lists invoices with an unresolved divergence.
func (l *PGSyncLedger) OpenInvoiceIDs(ctx context.Context) ([]string, error) {
	open, err := l.ListOpen(ctx)
	if err != nil {
		return nil, err
	}
	return invoiceIDs(open), nil
}

func scanDivergence(row pgx.Row) (Divergence, error) {
	var d Divergence
	err := row.Scan(&d.ID, &d.InvoiceID, &d.TargetStatus, &d.LastError, &d.Attempts, &d.CreatedAt, &d.UpdatedAt, &d.ResolvedAt)
	return d, err
}

// MemorySyncLedger keeps divergences in memory.
type MemorySyncLedger struct {
	mu     sync.Mutex
	nextID int64
	open   map[string]*Divergence
	clock  func() time.Time
}

// NewMemorySyncLedger constructs an empty MemorySyncLedger.
func NewMemorySyncLedger() *MemorySyncLedger {
	return &MemorySyncLedger{open: make(map[string]*Divergence), clock: time.Now}
}

func (m *MemorySyncLedger) Record(_ context.Context, invoiceID, cause string) (Divergence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	if d, ok := m.open[invoiceID]; ok {
		d.LastError = cause
		d.UpdatedAt = now
		return *d, nil
	}
	m.nextID++
	d := &Divergence{
		ID:           m.nextID,
		InvoiceID:    invoiceID,
		TargetStatus: approvedTarget,
		LastError:    cause,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.open[invoiceID] = d
	return *d, nil
}

func (m *MemorySyncLedger) MarkAttempt(_ context.Context, invoiceID, cause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.open[invoiceID]; ok {
		d.Attempts++
		d.LastError = cause
		d.UpdatedAt = m.clock()
	}
	return nil
}

func (m *MemorySyncLedger) Resolve(_ context.Context, invoiceID string) error {
	m.mu.Lock()
	delete(m.open, invoiceID)
	m.mu.Unlock()
	return nil
}

func (m *MemorySyncLedger) ListOpen(context.Context) ([]Divergence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Divergence, 0, len(m.open))
	for _, d := range m.open {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemorySyncLedger) OpenInvoiceIDs(ctx context.Context) ([]string, error) {
	open, _ := m.ListOpen(ctx)
	return invoiceIDs(open), nil
}

func invoiceIDs(list []Divergence) []string {
	ids := make([]string, 0, len(list))
	for _, d := range list {
		ids = append(ids, d.InvoiceID)
	}
	return ids
}

var (
	_ SyncLedger = (*PGSyncLedger)(nil)
	_ SyncLedger = (*MemorySyncLedger)(nil)
)
