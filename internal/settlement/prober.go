// Package settlement asks the settlement authority whether a payment code has been paid.
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/exp/slog"

	"github.com/alovak/khqr-gateway/internal/metrics"
)

// Outcome is the tri-state result of a probe.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomePending     Outcome = "pending"
	OutcomeUnavailable Outcome = "unavailable"
)

// Reason explains an outcome. It feeds logs and metrics, never the client.
type Reason string

const (
	ReasonSettled          Reason = "settled"
	ReasonNotSettled       Reason = "not_settled"
	ReasonAuthorityError   Reason = "authority_error"
	ReasonTransportFailure Reason = "transport_failure"
	ReasonNotConfigured    Reason = "not_configured"
	ReasonTokenExpired     Reason = "token_expired"
)

// NotFoundErrorCode is what the authority answers while no settlement matches the fingerprint.
const NotFoundErrorCode = 15

const (
	DefaultURL     = "https://api-bakong.nbc.gov.kh/v1/check_transaction_by_md5"
	DefaultTimeout = 10 * time.Second

	maxResponseBytes = 1 << 20
)

var ErrTransport = errors.New("settlement authority unreachable")

type Result struct {
	Outcome Outcome
	Reason  Reason
	// ResponseCode and ErrorCode echo the authority reply when one was decoded.
	ResponseCode int
	ErrorCode    int
	Err          error
}

type Config struct {
	URL        string
	Token      string
	MerchantID string
	Timeout    time.Duration
}

type Prober struct {
	cfg     Config
	client  *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

func New(cfg Config, hc *http.Client, logger *slog.Logger, m *metrics.Metrics) *Prober {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Token = strings.TrimSpace(cfg.Token)
	return &Prober{
		cfg:     cfg,
		client:  hc,
		logger:  logger.With(slog.String("component", "settlement")),
		metrics: m,
		tracer:  otel.Tracer("github.com/alovak/khqr-gateway/internal/settlement"),
		now:     time.Now,
	}
}

// Enabled reports whether probes can reach the authority at all.
func (p *Prober) Enabled() bool {
	return p.credentialProblem() == ""
}

// credentialProblem inspects the bearer token without verifying it. Opaque
// tokens are accepted as is; JWTs past their exp are rejected.
func (p *Prober) credentialProblem() Reason {
	if p.cfg.Token == "" {
		return ReasonNotConfigured
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(p.cfg.Token, &claims); err != nil {
		return ""
	}
	if claims.ExpiresAt != nil && p.now().After(claims.ExpiresAt.Time) {
		return ReasonTokenExpired
	}
	return ""
}

// TokenExpiry returns the exp claim of a JWT token, if any.
func (p *Prober) TokenExpiry() (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(p.cfg.Token, &claims); err != nil || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

type checkRequest struct {
	MD5        string `json:"md5"`
	MerchantID string `json:"merchantId,omitempty"`
}

type checkResponse struct {
	ResponseCode    *int            `json:"responseCode"`
	ResponseMessage string          `json:"responseMessage"`
	ErrorCode       *int            `json:"errorCode"`
	Data            json.RawMessage `json:"data"`
}

// Probe makes one call to the authority. It never retries and never caches.
// Anything short of a confirmed settlement is reported as pending.
func (p *Prober) Probe(ctx context.Context, fingerprint string) Result {
	ctx, span := p.tracer.Start(ctx, "settlement.Probe", trace.WithAttributes(attribute.String("khqr.fingerprint", fingerprint)))
	defer span.End()

	start := p.now()
	res := p.probe(ctx, fingerprint)
	took := p.now().Sub(start)

	span.SetAttributes(
		attribute.String("settlement.outcome", string(res.Outcome)),
		attribute.String("settlement.reason", string(res.Reason)),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
	}
	p.metrics.ObserveProbe(string(res.Outcome), string(res.Reason), took)

	switch res.Reason {
	case ReasonSettled:
		p.logger.Info("payment verified", slog.String("fingerprint", fingerprint))
	case ReasonNotSettled:
		p.logger.Debug("payment not settled yet", slog.String("fingerprint", fingerprint))
	default:
		p.logger.Warn("settlement probe inconclusive",
			slog.String("fingerprint", fingerprint),
			slog.String("reason", string(res.Reason)),
			slog.Any("err", res.Err),
			slog.Duration("took", took),
		)
	}
	return res
}

func (p *Prober) probe(ctx context.Context, fingerprint string) Result {
	if reason := p.credentialProblem(); reason != "" {
		return Result{Outcome: OutcomeUnavailable, Reason: reason}
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(checkRequest{MD5: fingerprint, MerchantID: p.cfg.MerchantID})
	if err != nil {
		return Result{Outcome: OutcomePending, Reason: ReasonTransportFailure, Err: fmt.Errorf("encode request: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Result{Outcome: OutcomePending, Reason: ReasonTransportFailure, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Result{Outcome: OutcomePending, Reason: ReasonTransportFailure, Err: fmt.Errorf("%w: %v", ErrTransport, err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{Outcome: OutcomePending, Reason: ReasonTransportFailure, Err: fmt.Errorf("%w: read body: %v", ErrTransport, err)}
	}

	var reply checkResponse
	if err := json.Unmarshal(raw, &reply); err != nil {
		return Result{Outcome: OutcomePending, Reason: ReasonAuthorityError,
			Err: fmt.Errorf("decode reply status=%d: %w", resp.StatusCode, err)}
	}
	return interpret(resp.StatusCode, reply)
}

func interpret(status int, reply checkResponse) Result {
	res := Result{Outcome: OutcomePending}
	if reply.ResponseCode != nil {
		res.ResponseCode = *reply.ResponseCode
	}
	if reply.ErrorCode != nil {
		res.ErrorCode = *reply.ErrorCode
	}

	switch {
	case status/100 == 2 && reply.ResponseCode != nil && *reply.ResponseCode == 0:
		res.Outcome = OutcomeSuccess
		res.Reason = ReasonSettled
	case reply.ErrorCode != nil && *reply.ErrorCode == NotFoundErrorCode:
		res.Reason = ReasonNotSettled
	default:
		res.Reason = ReasonAuthorityError
		res.Err = fmt.Errorf("authority replied status=%d responseCode=%d errorCode=%d message=%q",
			status, res.ResponseCode, res.ErrorCode, reply.ResponseMessage)
	}
	return res
}
