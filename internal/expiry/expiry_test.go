package expiry

import (
	"sync"
	"testing"
	"time"
)

func TestAt_DefaultAndOverride(t *testing.T) {
	issue := time.Date(2030, time.February, 28, 23, 58, 0, 0, time.UTC)
	if got := At(issue, 0); !got.Equal(issue.Add(5 * time.Minute)) {
		t.Fatalf("At default got %v want %v", got, issue.Add(5*time.Minute))
	}
	if got := At(issue, time.Minute); !got.Equal(issue.Add(time.Minute)) {
		t.Fatalf("At override got %v want %v", got, issue.Add(time.Minute))
	}
}

func TestEpochMillis_RoundTrip(t *testing.T) {
	ts := time.Date(2029, time.December, 15, 10, 30, 0, 123_000_000, time.UTC)
	ms := EpochMillis(ts)
	if ms != ts.UnixMilli() {
		t.Fatalf("EpochMillis got %d want %d", ms, ts.UnixMilli())
	}
	if back := FromEpochMillis(ms); !back.Equal(ts) {
		t.Fatalf("FromEpochMillis got %v want %v", back, ts)
	}
}

func TestValidateTTL(t *testing.T) {
	cases := []struct{ in time.Duration; ok bool }{
		{0, true}, {time.Minute, true}, {MaxTTL, true},
		{-time.Second, false}, {MaxTTL + time.Second, false},
	}
	for _, c := range cases {
		err := ValidateTTL(c.in)
		if (err == nil) != c.ok {
			t.Fatalf("ValidateTTL(%s) ok=%v got err=%v", c.in, c.ok, err)
		}
	}
}

func TestIsExpired(t *testing.T) {
	end := time.Date(2030, time.February, 1, 12, 0, 0, 0, time.UTC)
	if IsExpired(end, end.Add(-time.Nanosecond), 0) {
		t.Fatalf("expected not expired just before end")
	}
	// expiry instant is inclusive
	if IsExpired(end, end, 0) {
		t.Fatalf("expected not expired at end")
	}
	if !IsExpired(end, end.Add(time.Nanosecond), 0) {
		t.Fatalf("expected expired after end")
	}
	if IsExpired(end, end.Add(time.Minute), 2*time.Minute) {
		t.Fatalf("expected grace to extend validity")
	}
	if IsExpired(time.Time{}, end, 0) {
		t.Fatalf("zero expiry never expires")
	}
}

func TestRemaining(t *testing.T) {
	end := time.Date(2030, time.February, 1, 12, 0, 0, 0, time.UTC)
	if got := Remaining(end, end.Add(-time.Minute)); got != time.Minute {
		t.Fatalf("Remaining got %s want 1m", got)
	}
	if got := Remaining(end, end.Add(time.Minute)); got != 0 {
		t.Fatalf("Remaining after end got %s want 0", got)
	}
}

func TestMonotonicClock_SameMillisecond(t *testing.T) {
	frozen := time.Date(2030, time.January, 1, 0, 0, 0, 0, time.UTC)
	c := NewMonotonicClock(func() time.Time { return frozen })
	_, first := c.Next()
	_, second := c.Next()
	_, third := c.Next()
	if !(first < second && second < third) {
		t.Fatalf("stamps not strictly increasing: %d %d %d", first, second, third)
	}
	if first != frozen.UnixMilli() {
		t.Fatalf("first stamp got %d want %d", first, frozen.UnixMilli())
	}
}

func TestMonotonicClock_Concurrent(t *testing.T) {
	frozen := time.Date(2030, time.January, 1, 0, 0, 0, 0, time.UTC)
	c := NewMonotonicClock(func() time.Time { return frozen })
	const n = 500
	var mu sync.Mutex
	seen := make(map[int64]struct{}, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ms := c.Next()
			mu.Lock()
			seen[ms] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != n {
		t.Fatalf("got %d unique stamps want %d", len(seen), n)
	}
}
