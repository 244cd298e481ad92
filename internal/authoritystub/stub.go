// Package authoritystub is an in-memory settlement authority for tests and local development.
package authoritystub

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

const CheckPath = "/v1/check_transaction_by_md5"

// Authority answers check_transaction_by_md5 the way the real authority does:
// responseCode 0 with transaction data when settled, errorCode 15 otherwise.
type Authority struct {
	mu       sync.RWMutex
	token    string
	settled  map[string]time.Time
	failWith int
	delay    time.Duration
	calls    int
}

// New returns an authority that accepts only token. An empty token accepts any caller.
func New(token string) *Authority {
	return &Authority{
		token:   token,
		settled: make(map[string]time.Time),
	}
}

func (a *Authority) Settle(md5 string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled[md5] = time.Now()
}

func (a *Authority) Unsettle(md5 string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.settled, md5)
}

// FailWith makes every check answer with the given HTTP status. Zero restores normal behavior.
func (a *Authority) FailWith(status int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failWith = status
}

// Delay holds every check for d before answering.
func (a *Authority) Delay(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delay = d
}

func (a *Authority) Calls() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.calls
}

func (a *Authority) AppendRoutes(r chi.Router) {
	r.Post(CheckPath, a.check)
	r.Post("/dev/settle/{md5}", a.settle)
	r.Delete("/dev/settle/{md5}", a.unsettle)
}

// Handler returns a router serving the authority endpoints.
func (a *Authority) Handler() http.Handler {
	r := chi.NewRouter()
	a.AppendRoutes(r)
	return r
}

type reply struct {
	ResponseCode    int    `json:"responseCode"`
	ResponseMessage string `json:"responseMessage"`
	ErrorCode       *int   `json:"errorCode"`
	Data            any    `json:"data"`
}

func intPtr(v int) *int { return &v }

func (a *Authority) check(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	a.calls++
	failWith, delay, token := a.failWith, a.delay, a.token
	a.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
		writeJSON(w, http.StatusUnauthorized, reply{ResponseCode: 1, ResponseMessage: "Unauthorized", ErrorCode: intPtr(6)})
		return
	}
	if failWith != 0 {
		writeJSON(w, failWith, reply{ResponseCode: 1, ResponseMessage: http.StatusText(failWith), ErrorCode: intPtr(500)})
		return
	}

	var body struct {
		MD5 string `json:"md5"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.MD5) == "" {
		writeJSON(w, http.StatusBadRequest, reply{ResponseCode: 1, ResponseMessage: "md5 is required", ErrorCode: intPtr(5)})
		return
	}

	a.mu.RLock()
	at, ok := a.settled[body.MD5]
	a.mu.RUnlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, reply{ResponseCode: 1, ResponseMessage: "Transaction could not be found", ErrorCode: intPtr(15)})
		return
	}
	writeJSON(w, http.StatusOK, reply{
		ResponseCode:    0,
		ResponseMessage: "Getting transaction successfully.",
		Data: map[string]any{
			"hash":               body.MD5,
			"createdDateMs":      at.UnixMilli(),
			"acknowledgedDateMs": at.UnixMilli(),
		},
	})
}

func (a *Authority) settle(w http.ResponseWriter, r *http.Request) {
	a.Settle(chi.URLParam(r, "md5"))
	w.WriteHeader(http.StatusNoContent)
}

func (a *Authority) unsettle(w http.ResponseWriter, r *http.Request) {
	a.Unsettle(chi.URLParam(r, "md5"))
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
