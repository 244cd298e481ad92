package settlement_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/alovak/khqr-gateway/internal/authoritystub"
	"github.com/alovak/khqr-gateway/internal/metrics"
	"github.com/alovak/khqr-gateway/internal/settlement"
)

const token = "test-token"

func newProber(t *testing.T, cfg settlement.Config) (*settlement.Prober, *authoritystub.Authority, *metrics.Metrics) {
	t.Helper()
	auth := authoritystub.New(token)
	srv := httptest.NewServer(auth.Handler())
	t.Cleanup(srv.Close)

	if cfg.URL == "" {
		cfg.URL = srv.URL + authoritystub.CheckPath
	}
	if cfg.Token == "" {
		cfg.Token = token
	}
	m := metrics.New(prometheus.NewRegistry())
	return settlement.New(cfg, nil, nil, m), auth, m
}

func TestProbe_PendingThenSuccess(t *testing.T) {
	p, auth, m := newProber(t, settlement.Config{})
	ctx := context.Background()

	res := p.Probe(ctx, "abc")
	require.Equal(t, settlement.OutcomePending, res.Outcome)
	require.Equal(t, settlement.ReasonNotSettled, res.Reason)
	require.Equal(t, settlement.NotFoundErrorCode, res.ErrorCode)

	auth.Settle("abc")

	res = p.Probe(ctx, "abc")
	require.Equal(t, settlement.OutcomeSuccess, res.Outcome)
	require.Equal(t, settlement.ReasonSettled, res.Reason)

	// outcomes are not consumed by reading them
	res = p.Probe(ctx, "abc")
	require.Equal(t, settlement.OutcomeSuccess, res.Outcome)
	require.Equal(t, 3, auth.Calls())

	require.Equal(t, 2.0, testutil.ToFloat64(m.Probes.WithLabelValues("success", "settled")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Probes.WithLabelValues("pending", "not_settled")))
}

func TestProbe_AuthorityErrorsArePending(t *testing.T) {
	p, auth, _ := newProber(t, settlement.Config{})

	auth.FailWith(http.StatusInternalServerError)
	res := p.Probe(context.Background(), "abc")
	require.Equal(t, settlement.OutcomePending, res.Outcome)
	require.Equal(t, settlement.ReasonAuthorityError, res.Reason)
	require.Error(t, res.Err)
}

func TestProbe_WrongTokenIsPending(t *testing.T) {
	p, _, _ := newProber(t, settlement.Config{Token: "someone-elses"})

	res := p.Probe(context.Background(), "abc")
	require.Equal(t, settlement.OutcomePending, res.Outcome)
	require.Equal(t, settlement.ReasonAuthorityError, res.Reason)
}

func TestProbe_TimeoutIsPending(t *testing.T) {
	p, auth, _ := newProber(t, settlement.Config{Timeout: 50 * time.Millisecond})
	auth.Settle("abc")
	auth.Delay(time.Second)

	res := p.Probe(context.Background(), "abc")
	require.Equal(t, settlement.OutcomePending, res.Outcome)
	require.Equal(t, settlement.ReasonTransportFailure, res.Reason)
	require.ErrorIs(t, res.Err, settlement.ErrTransport)
}

func TestProbe_UnreachableIsPending(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := settlement.New(settlement.Config{URL: url, Token: token}, nil, nil, nil)
	res := p.Probe(context.Background(), "abc")
	require.Equal(t, settlement.OutcomePending, res.Outcome)
	require.Equal(t, settlement.ReasonTransportFailure, res.Reason)
}

func TestProbe_NonJSONReplyIsPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>bad gateway</html>"))
	}))
	t.Cleanup(srv.Close)

	p := settlement.New(settlement.Config{URL: srv.URL, Token: token}, nil, nil, nil)
	res := p.Probe(context.Background(), "abc")
	require.Equal(t, settlement.OutcomePending, res.Outcome)
	require.Equal(t, settlement.ReasonAuthorityError, res.Reason)
}

func TestProbe_MissingTokenIsUnavailableWithoutNetwork(t *testing.T) {
	auth := authoritystub.New("")
	srv := httptest.NewServer(auth.Handler())
	t.Cleanup(srv.Close)

	p := settlement.New(settlement.Config{URL: srv.URL + authoritystub.CheckPath}, nil, nil, nil)
	require.False(t, p.Enabled())

	res := p.Probe(context.Background(), "abc")
	require.Equal(t, settlement.OutcomeUnavailable, res.Outcome)
	require.Equal(t, settlement.ReasonNotConfigured, res.Reason)
	require.Zero(t, auth.Calls())
}

func TestProbe_ExpiredJWTIsUnavailable(t *testing.T) {
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}).SignedString([]byte("k"))
	require.NoError(t, err)

	auth := authoritystub.New("")
	srv := httptest.NewServer(auth.Handler())
	t.Cleanup(srv.Close)

	p := settlement.New(settlement.Config{URL: srv.URL + authoritystub.CheckPath, Token: expired}, nil, nil, nil)
	require.False(t, p.Enabled())

	res := p.Probe(context.Background(), "abc")
	require.Equal(t, settlement.OutcomeUnavailable, res.Outcome)
	require.Equal(t, settlement.ReasonTokenExpired, res.Reason)
	require.Zero(t, auth.Calls())
}

func TestProbe_LiveJWTIsUsed(t *testing.T) {
	live, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("k"))
	require.NoError(t, err)

	auth := authoritystub.New(live)
	srv := httptest.NewServer(auth.Handler())
	t.Cleanup(srv.Close)
	auth.Settle("abc")

	p := settlement.New(settlement.Config{URL: srv.URL + authoritystub.CheckPath, Token: live}, nil, nil, nil)
	require.True(t, p.Enabled())
	exp, ok := p.TokenExpiry()
	require.True(t, ok)
	require.WithinDuration(t, time.Now().Add(time.Hour), exp, time.Minute)

	res := p.Probe(context.Background(), "abc")
	require.Equal(t, settlement.OutcomeSuccess, res.Outcome)
}
