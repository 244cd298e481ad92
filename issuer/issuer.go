// Package issuer builds KHQR payment requests on top of a khqr.Encoder.
package issuer

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alovak/khqr-gateway/gateway/models"
	"github.com/alovak/khqr-gateway/internal/expiry"
	"github.com/alovak/khqr-gateway/internal/khqr"
)

// Identity is the payee embedded in every code.
type Identity struct {
	// AccountID is the Bakong alias, name@issuer.
	AccountID     string
	MerchantName  string
	City          string
	MerchantID    string
	AcquiringBank string
	MobileNumber  string
	StoreLabel    string
	TerminalLabel string
}

// Params describes one code to issue.
type Params struct {
	AmountMinor int64
	Currency    khqr.Currency
	// Reference overrides the generated bill reference when set.
	Reference string
	TTL       time.Duration
	Identity  Identity
}

type Issuer struct {
	encoder khqr.Encoder
	clock   *expiry.MonotonicClock
	tracer  trace.Tracer
}

func New(encoder khqr.Encoder, clock *expiry.MonotonicClock) *Issuer {
	if encoder == nil {
		encoder = khqr.NewEncoder()
	}
	if clock == nil {
		clock = expiry.NewMonotonicClock(nil)
	}
	return &Issuer{
		encoder: encoder,
		clock:   clock,
		tracer:  otel.Tracer("github.com/alovak/khqr-gateway/issuer"),
	}
}

// ValidateIdentity checks the alias before anything is handed to the encoder.
func ValidateIdentity(id Identity) error {
	alias := strings.TrimSpace(id.AccountID)
	if alias == "" {
		return fmt.Errorf("account alias is empty: %w", models.ErrMisconfiguredIdentity)
	}
	name, bank, ok := strings.Cut(alias, "@")
	if !ok || name == "" || bank == "" || strings.Contains(bank, "@") {
		return fmt.Errorf("account alias %q must look like name@issuer: %w", alias, models.ErrMisconfiguredIdentity)
	}
	if strings.IndexFunc(alias, unicode.IsSpace) >= 0 {
		return fmt.Errorf("account alias %q contains whitespace: %w", alias, models.ErrMisconfiguredIdentity)
	}
	if strings.TrimSpace(id.MerchantName) == "" {
		return fmt.Errorf("merchant name is empty: %w", models.ErrMisconfiguredIdentity)
	}
	return nil
}

// BillReference renders a display reference from a millisecond stamp.
func BillReference(ms int64) string {
	return fmt.Sprintf("#%06d", ms%1_000_000)
}

// Issue validates p, encodes a payload and returns the resulting request.
// No network call is made.
func (i *Issuer) Issue(ctx context.Context, p Params) (*models.PaymentRequest, error) {
	_, span := i.tracer.Start(ctx, "issuer.Issue")
	defer span.End()

	req, err := i.issue(p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("khqr.fingerprint", req.Fingerprint),
		attribute.String("khqr.currency", req.Currency),
	)
	return req, nil
}

func (i *Issuer) issue(p Params) (*models.PaymentRequest, error) {
	if err := ValidateIdentity(p.Identity); err != nil {
		return nil, err
	}
	if p.AmountMinor <= 0 {
		return nil, models.ErrInvalidAmount
	}
	if err := expiry.ValidateTTL(p.TTL); err != nil {
		return nil, fmt.Errorf("%v: %w", err, models.ErrInvalidRequest)
	}
	currency := p.Currency
	if currency == "" {
		currency = khqr.CurrencyKHR
	}

	createdAt, ms := i.clock.Next()
	expiresAt := expiry.At(createdAt, p.TTL)
	reference := p.Reference
	if reference == "" {
		reference = BillReference(ms)
	}

	resp := i.encoder.Encode(khqr.MerchantInfo{
		AccountID:     strings.TrimSpace(p.Identity.AccountID),
		MerchantName:  p.Identity.MerchantName,
		City:          p.Identity.City,
		MerchantID:    p.Identity.MerchantID,
		AcquiringBank: p.Identity.AcquiringBank,
		Options: khqr.Options{
			Currency:      currency,
			Amount:        decimal.New(p.AmountMinor, -currency.Exponent()),
			BillNumber:    reference,
			MobileNumber:  p.Identity.MobileNumber,
			StoreLabel:    p.Identity.StoreLabel,
			TerminalLabel: p.Identity.TerminalLabel,
			CreatedAt:     createdAt,
			ExpiresAt:     expiresAt,
		},
	})
	if resp == nil {
		return nil, fmt.Errorf("encoder returned no response: %w", models.ErrGenerationFailed)
	}
	if resp.Status.Code != khqr.StatusSuccess {
		return nil, fmt.Errorf("%s: %w", resp.Status.Message, models.ErrGenerationFailed)
	}
	if resp.Data == nil || resp.Data.QR == "" || resp.Data.MD5 == "" {
		return nil, fmt.Errorf("encoder returned no payload: %w", models.ErrGenerationFailed)
	}

	return &models.PaymentRequest{
		Fingerprint:   resp.Data.MD5,
		Code:          resp.Data.QR,
		Amount:        p.AmountMinor,
		Currency:      currency.Alpha(),
		BillReference: reference,
		CreatedAt:     createdAt,
		ExpiresAt:     expiresAt,
	}, nil
}
