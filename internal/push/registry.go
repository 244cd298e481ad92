// Package push delivers payment confirmations to connected clients.
package push

import (
	"errors"
	"sync"
)

const (
	EventPaymentSuccess = "payment-success"
	EventJoinPayment    = "join-payment"
	EventJoined         = "joined"
	EventError          = "error"
)

var ErrUnknownChannel = errors.New("unknown channel")

// Event is the wire shape in both directions: {"event": name, "data": {...}}.
type Event struct {
	Name string    `json:"event"`
	Data EventData `json:"data"`
}

type EventData struct {
	Fingerprint   string `json:"fingerprint,omitempty"`
	BillReference string `json:"billReference,omitempty"`
	PaidAt        int64  `json:"paidAt,omitempty"`
	Message       string `json:"message,omitempty"`
}

func PaymentSuccess(fingerprint, billReference string, paidAtMillis int64) Event {
	return Event{
		Name: EventPaymentSuccess,
		Data: EventData{Fingerprint: fingerprint, BillReference: billReference, PaidAt: paidAtMillis},
	}
}

// Channel is one connected client.
type Channel interface {
	ID() string
	// Send queues e without blocking and reports whether it was accepted.
	Send(e Event) bool
}

// Registry maps fingerprints to the channels waiting on them.
// Readers get copies, so delivery never runs under the lock.
type Registry struct {
	mu            sync.RWMutex
	channels      map[string]Channel
	byFingerprint map[string]map[string]struct{}
	byChannel     map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		channels:      make(map[string]Channel),
		byFingerprint: make(map[string]map[string]struct{}),
		byChannel:     make(map[string]map[string]struct{}),
	}
}

// Add registers a connected channel with no subscriptions.
func (r *Registry) Add(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.ID()] = ch
}

// Subscribe adds channelID to the subscribers of fingerprint. Repeating it has no effect.
func (r *Registry) Subscribe(channelID, fingerprint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.channels[channelID]; !ok {
		return ErrUnknownChannel
	}
	subs, ok := r.byFingerprint[fingerprint]
	if !ok {
		subs = make(map[string]struct{})
		r.byFingerprint[fingerprint] = subs
	}
	subs[channelID] = struct{}{}

	fps, ok := r.byChannel[channelID]
	if !ok {
		fps = make(map[string]struct{})
		r.byChannel[channelID] = fps
	}
	fps[fingerprint] = struct{}{}
	return nil
}

// Remove forgets a channel and every subscription it held.
func (r *Registry) Remove(channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for fp := range r.byChannel[channelID] {
		subs := r.byFingerprint[fp]
		delete(subs, channelID)
		if len(subs) == 0 {
			delete(r.byFingerprint, fp)
		}
	}
	delete(r.byChannel, channelID)
	delete(r.channels, channelID)
}

// Subscribers returns a snapshot of the channels subscribed to fingerprint.
func (r *Registry) Subscribers(fingerprint string) []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.byFingerprint[fingerprint]
	out := make([]Channel, 0, len(subs))
	for id := range subs {
		if ch, ok := r.channels[id]; ok {
			out = append(out, ch)
		}
	}
	return out
}

// All returns a snapshot of every connected channel.
func (r *Registry) All() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// Fingerprints returns the fingerprints channelID is subscribed to.
func (r *Registry) Fingerprints(channelID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byChannel[channelID]))
	for fp := range r.byChannel[channelID] {
		out = append(out, fp)
	}
	return out
}
