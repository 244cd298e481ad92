package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/exp/slog"

	"github.com/alovak/khqr-gateway/gateway/models"
	"github.com/alovak/khqr-gateway/internal/expiry"
	"github.com/alovak/khqr-gateway/internal/khqr"
	"github.com/alovak/khqr-gateway/internal/metrics"
	"github.com/alovak/khqr-gateway/internal/middleware"
	"github.com/alovak/khqr-gateway/internal/push"
	"github.com/alovak/khqr-gateway/internal/settlement"
	"github.com/alovak/khqr-gateway/issuer"
)

const maxBillReferenceLen = 25

//go:generate mockgen -destination=mocks/service_deps.go -package=mocks . Prober,Notifier

// Prober answers whether a fingerprint has been settled.
type Prober interface {
	Probe(ctx context.Context, fingerprint string) settlement.Result
	Enabled() bool
}

// Notifier fans a confirmed payment out to push subscribers.
type Notifier interface {
	Notify(ctx context.Context, e push.Event) (int, error)
}

// Service connects issuance, probing, the ledger and notification.
type Service struct {
	cfg      *Config
	issuer   *issuer.Issuer
	prober   Prober
	notifier Notifier
	// ledger is optional
	ledger  *Repository
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewService(cfg *Config, iss *issuer.Issuer, prober Prober, notifier Notifier, ledger *Repository, logger *slog.Logger, m *metrics.Metrics) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if iss == nil {
		iss = issuer.New(nil, nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		issuer:   iss,
		prober:   prober,
		notifier: notifier,
		ledger:   ledger,
		logger:   logger.With(slog.String("component", "service")),
		metrics:  m,
		now:      time.Now,
	}
}

// log returns the service logger tagged with the request id carried by ctx.
func (s *Service) log(ctx context.Context) *slog.Logger {
	if id := middleware.GetRequestID(ctx); id != "" {
		return s.logger.With(slog.String("request_id", id))
	}
	return s.logger
}

// SettlementEnabled reports whether status checks can reach the authority.
func (s *Service) SettlementEnabled() bool {
	return s.prober != nil && s.prober.Enabled()
}

// Issue creates a payment code for the configured merchant. Absent fields in
// req fall back to the configured defaults.
func (s *Service) Issue(ctx context.Context, req models.CreatePayment) (*models.PaymentRequest, error) {
	params, err := s.params(req)
	if err != nil {
		s.metrics.IncrementIssueFailure("invalid_request")
		return nil, err
	}

	pr, err := s.issuer.Issue(ctx, params)
	if err != nil {
		s.metrics.IncrementIssueFailure(issueFailureReason(err))
		return nil, fmt.Errorf("issuing payment code: %w", err)
	}

	if s.ledger != nil {
		if err := s.ledger.CreatePayment(ctx, pr); err != nil {
			s.metrics.IncrementIssueFailure("ledger")
			return nil, fmt.Errorf("recording payment: %w", err)
		}
	}

	s.metrics.IncrementIssued(pr.Currency)
	s.log(ctx).Info("payment code issued",
		slog.String("fingerprint", pr.Fingerprint),
		slog.String("bill_reference", pr.BillReference),
		slog.Int64("amount", pr.Amount),
		slog.String("currency", pr.Currency),
		slog.Time("expires_at", pr.ExpiresAt),
	)

	return pr, nil
}

func (s *Service) params(req models.CreatePayment) (issuer.Params, error) {
	amount := s.cfg.Payment.DefaultAmount
	if req.Amount != nil {
		amount = *req.Amount
	}
	if amount <= 0 {
		return issuer.Params{}, models.ErrInvalidAmount
	}

	cur := req.Currency
	if cur == "" {
		cur = s.cfg.Payment.DefaultCurrency
	}
	currency, err := khqr.ParseCurrency(cur)
	if err != nil {
		return issuer.Params{}, fmt.Errorf("%v: %w", err, models.ErrInvalidRequest)
	}
	if err := khqr.ValidateAmount(decimal.New(amount, -currency.Exponent()), currency); err != nil {
		return issuer.Params{}, fmt.Errorf("%v: %w", err, models.ErrInvalidAmount)
	}

	if req.TTLSeconds < 0 {
		return issuer.Params{}, fmt.Errorf("ttlSeconds must not be negative: %w", models.ErrInvalidRequest)
	}
	if req.TTLSeconds > int64(expiry.MaxTTL/time.Second) {
		return issuer.Params{}, fmt.Errorf("ttlSeconds must be at most %d: %w", int64(expiry.MaxTTL/time.Second), models.ErrInvalidRequest)
	}
	ttl := s.cfg.Payment.TTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	reference := strings.TrimSpace(req.BillReference)
	if len(reference) > maxBillReferenceLen {
		return issuer.Params{}, fmt.Errorf("billReference must be at most %d characters: %w", maxBillReferenceLen, models.ErrInvalidRequest)
	}

	return issuer.Params{
		AmountMinor: amount,
		Currency:    currency,
		Reference:   reference,
		TTL:         ttl,
		Identity:    s.cfg.Identity(),
	}, nil
}

func issueFailureReason(err error) string {
	switch {
	case errors.Is(err, models.ErrMisconfiguredIdentity):
		return "misconfigured_identity"
	case errors.Is(err, models.ErrInvalidAmount), errors.Is(err, models.ErrInvalidRequest):
		return "invalid_request"
	default:
		return "generation_failed"
	}
}

// CheckStatus probes the authority once. A success notifies subscribers
// before the result is returned, so both always agree.
func (s *Service) CheckStatus(ctx context.Context, fingerprint string) (*models.CheckStatusResult, error) {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return nil, models.ErrMissingFingerprint
	}
	if s.prober == nil {
		return nil, models.ErrSettlementUnavailable
	}

	res := s.prober.Probe(ctx, fingerprint)

	switch res.Outcome {
	case settlement.OutcomeSuccess:
		s.confirm(ctx, fingerprint)
		return &models.CheckStatusResult{Status: models.PaymentStatusSuccess}, nil
	case settlement.OutcomeUnavailable:
		return nil, fmt.Errorf("%s: %w", res.Reason, models.ErrSettlementUnavailable)
	}

	return &models.CheckStatusResult{
		Status:  models.PaymentStatusPending,
		Expired: s.expired(ctx, fingerprint),
	}, nil
}

func (s *Service) confirm(ctx context.Context, fingerprint string) {
	paidAt := s.now()
	var reference string

	if s.ledger != nil {
		p, err := s.ledger.MarkSettled(ctx, fingerprint, paidAt)
		switch {
		case err == nil:
			reference = p.BillReference
			paidAt = *p.SettledAt
		case errors.Is(err, ErrNotFound):
			// issued by another instance or before a restart
		default:
			s.log(ctx).Error("marking payment settled", slog.String("fingerprint", fingerprint), slog.Any("err", err))
		}
	}

	if s.notifier == nil {
		return
	}
	delivered, err := s.notifier.Notify(ctx, push.PaymentSuccess(fingerprint, reference, expiry.EpochMillis(paidAt)))
	if err != nil {
		s.log(ctx).Error("notifying payment success", slog.String("fingerprint", fingerprint), slog.Any("err", err))
		return
	}
	s.log(ctx).Info("payment confirmed", slog.String("fingerprint", fingerprint), slog.Int("delivered", delivered))
}

func (s *Service) expired(ctx context.Context, fingerprint string) bool {
	if s.ledger == nil {
		return false
	}
	p, err := s.ledger.GetPayment(ctx, fingerprint)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log(ctx).Warn("looking up payment", slog.String("fingerprint", fingerprint), slog.Any("err", err))
		}
		return false
	}
	return expiry.IsExpired(p.ExpiresAt, s.now(), 0)
}
