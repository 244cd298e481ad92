package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alovak/khqr-gateway/gateway/models"
	"github.com/jackc/pgconn"
	"github.com/lib/pq"
)

var ErrNotFound = fmt.Errorf("not found")

var ErrConflict = fmt.Errorf("conflict")

// Repository is the payment ledger. It records issued requests and the first
// confirmed settlement of each. Probe outcomes are never cached here.
type Repository struct {
	mu       sync.RWMutex
	payments map[string]*models.Payment
	db       *sql.DB
}

func NewRepository() *Repository {
	return &Repository{
		payments: make(map[string]*models.Payment),
	}
}

// NewPGRepository constructs a db-backed repository.
func NewPGRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const schema = `
CREATE SCHEMA IF NOT EXISTS khqr;
CREATE TABLE IF NOT EXISTS khqr.payments (
	fingerprint    text PRIMARY KEY,
	code           text        NOT NULL,
	amount         bigint      NOT NULL CHECK (amount > 0),
	currency       text        NOT NULL,
	bill_reference text        NOT NULL,
	created_at     timestamptz NOT NULL,
	expires_at     timestamptz NOT NULL,
	status         text        NOT NULL DEFAULT 'pending',
	settled_at     timestamptz
);
`

// Migrate creates the ledger table. It is a no-op for the memory backend.
func (r *Repository) Migrate(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrating ledger: %w", err)
	}
	return nil
}

func (r *Repository) CreatePayment(ctx context.Context, req *models.PaymentRequest) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.payments[req.Fingerprint]; ok {
			return fmt.Errorf("fingerprint %s exists: %w", req.Fingerprint, ErrConflict)
		}
		r.payments[req.Fingerprint] = &models.Payment{
			PaymentRequest: *req,
			Status:         models.PaymentStatusPending,
		}
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO khqr.payments(fingerprint, code, amount, currency, bill_reference, created_at, expires_at, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,'pending')
	`, req.Fingerprint, req.Code, req.Amount, req.Currency, req.BillReference, req.CreatedAt, req.ExpiresAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("fingerprint %s exists: %w", req.Fingerprint, ErrConflict)
	}
	return err
}

func (r *Repository) GetPayment(ctx context.Context, fingerprint string) (*models.Payment, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		p, ok := r.payments[fingerprint]
		if !ok {
			return nil, ErrNotFound
		}
		cp := *p
		return &cp, nil
	}
	row := r.db.QueryRowContext(ctx, `
		SELECT fingerprint, code, amount, currency, bill_reference, created_at, expires_at, status, settled_at
		  FROM khqr.payments WHERE fingerprint=$1
	`, fingerprint)
	var p models.Payment
	var status string
	var settledAt sql.NullTime
	err := row.Scan(&p.Fingerprint, &p.Code, &p.Amount, &p.Currency, &p.BillReference, &p.CreatedAt, &p.ExpiresAt, &status, &settledAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.Status = models.PaymentStatus(status)
	if settledAt.Valid {
		t := settledAt.Time
		p.SettledAt = &t
	}
	return &p, nil
}

// MarkSettled records the settlement time the first time a payment is
// confirmed. Later calls keep the original time and return the stored row.
func (r *Repository) MarkSettled(ctx context.Context, fingerprint string, at time.Time) (*models.Payment, error) {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		p, ok := r.payments[fingerprint]
		if !ok {
			return nil, ErrNotFound
		}
		if p.SettledAt == nil {
			t := at
			p.SettledAt = &t
			p.Status = models.PaymentStatusSuccess
		}
		cp := *p
		return &cp, nil
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE khqr.payments
		   SET status='success', settled_at=COALESCE(settled_at, $2)
		 WHERE fingerprint=$1
	`, fingerprint, at)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return r.GetPayment(ctx, fingerprint)
}

// Ping returns DB readiness
func (r *Repository) Ping(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	return r.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pe *pq.Error
	if errors.As(err, &pe) && pe.Code == "23505" {
		return true
	}
	var pgerr *pgconn.PgError
	if errors.As(err, &pgerr) && pgerr.Code == "23505" {
		return true
	}
	return false
}
