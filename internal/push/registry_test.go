package push

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	id     string
	mu     sync.Mutex
	events []Event
	full   bool
}

func newFakeChannel(id string) *fakeChannel { return &fakeChannel{id: id} }

func (f *fakeChannel) ID() string { return f.id }

func (f *fakeChannel) Send(e Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.events = append(f.events, e)
	return true
}

func (f *fakeChannel) Events() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events...)
}

func TestRegistry_SubscribeIsIdempotent(t *testing.T) {
	r := NewRegistry()
	a := newFakeChannel("a")
	r.Add(a)

	require.NoError(t, r.Subscribe("a", "F"))
	require.NoError(t, r.Subscribe("a", "F"))

	subs := r.Subscribers("F")
	require.Len(t, subs, 1)
	assert.Equal(t, "a", subs[0].ID())
	assert.Equal(t, []string{"F"}, r.Fingerprints("a"))
}

func TestRegistry_SubscribeUnknownChannel(t *testing.T) {
	r := NewRegistry()
	require.ErrorIs(t, r.Subscribe("ghost", "F"), ErrUnknownChannel)
	assert.Empty(t, r.Subscribers("F"))
}

func TestRegistry_RemoveDropsAllSubscriptions(t *testing.T) {
	r := NewRegistry()
	a, b := newFakeChannel("a"), newFakeChannel("b")
	r.Add(a)
	r.Add(b)
	require.NoError(t, r.Subscribe("a", "F"))
	require.NoError(t, r.Subscribe("a", "G"))
	require.NoError(t, r.Subscribe("b", "F"))

	r.Remove("a")

	assert.Equal(t, 1, r.Len())
	assert.Len(t, r.Subscribers("F"), 1)
	assert.Empty(t, r.Subscribers("G"))
	assert.Empty(t, r.Fingerprints("a"))
}

func TestRegistry_SnapshotIsACopy(t *testing.T) {
	r := NewRegistry()
	r.Add(newFakeChannel("a"))
	require.NoError(t, r.Subscribe("a", "F"))

	snapshot := r.Subscribers("F")
	r.Remove("a")

	assert.Len(t, snapshot, 1)
	assert.Empty(t, r.Subscribers("F"))
}

func TestRegistry_ConcurrentMutationAndIteration(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			r.Add(newFakeChannel(id))
			_ = r.Subscribe(id, "F")
			if i%2 == 0 {
				r.Remove(id)
			}
		}(i)
		go func() {
			defer wg.Done()
			for _, ch := range r.Subscribers("F") {
				ch.Send(PaymentSuccess("F", "", 0))
			}
			_ = r.All()
		}()
	}
	wg.Wait()

	assert.Len(t, r.Subscribers("F"), 25)
	assert.Equal(t, 25, r.Len())
}
