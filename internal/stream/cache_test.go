package stream

import (
	"sort"
	"testing"
	"time"
)

var cacheNow = time.Date(2026, 8, 3, 11, 0, 0, 0, time.UTC)

func newTestCache() *Cache {
	return NewCache(5 * time.Second).WithClock(func() time.Time { return cacheNow })
}

func TestGet_FreshAndStale(t *testing.T) {
	c := newTestCache()

	if _, fresh := c.Get("SPY"); fresh {
		t.Error("missing symbol should read stale")
	}

	c.Update(Quote{Symbol: "SPY", Last: 500, Bid: 499.98, Ask: 500.02, ReceivedAt: cacheNow})
	q, fresh := c.Get("SPY")
	if !fresh || q.Last != 500 {
		t.Errorf("expected fresh quote, got %+v fresh=%v", q, fresh)
	}

	c.Update(Quote{Symbol: "QQQ", Last: 400, ReceivedAt: cacheNow.Add(-6 * time.Second)})
	if q, fresh := c.Get("QQQ"); fresh {
		t.Errorf("aged quote should read stale: %+v", q)
	}
}

func TestUpdate_StampsReceivedAt(t *testing.T) {
	c := newTestCache()
	c.Update(Quote{Symbol: "SPY", Last: 500})
	q, fresh := c.Get("SPY")
	if !fresh || !q.ReceivedAt.Equal(cacheNow) {
		t.Errorf("ReceivedAt = %v fresh=%v, expected clock stamp", q.ReceivedAt, fresh)
	}
}

func TestSubscribeRefcount(t *testing.T) {
	c := newTestCache()
	c.Subscribe("SPY")
	c.Subscribe("SPY")
	c.Subscribe("QQQ")
	c.Update(Quote{Symbol: "SPY", Last: 500, ReceivedAt: cacheNow})

	got := c.Subscribed()
	sort.Strings(got)
	if len(got) != 2 || got[0] != "QQQ" || got[1] != "SPY" {
		t.Fatalf("subscribed = %v", got)
	}

	// One of two references released: still subscribed.
	c.Unsubscribe("SPY")
	found := false
	for _, s := range c.Subscribed() {
		if s == "SPY" {
			found = true
		}
	}
	if !found {
		t.Fatal("SPY dropped while a reference remained")
	}

	// Last reference gone: symbol and its quote leave the cache.
	c.Unsubscribe("SPY")
	for _, s := range c.Subscribed() {
		if s == "SPY" {
			t.Fatal("SPY still subscribed after final unsubscribe")
		}
	}
	if q, _ := c.Get("SPY"); q.Last != 0 {
		t.Errorf("quote survived unsubscribe: %+v", q)
	}
}

func TestOnUpdateHandlers(t *testing.T) {
	c := newTestCache()
	var seen []Quote
	c.OnUpdate(func(q Quote) { seen = append(seen, q) })

	c.Update(Quote{Symbol: "SPY", Last: 500, Volume: 10, ReceivedAt: cacheNow})
	c.Update(Quote{Symbol: "SPY", Last: 501, Volume: 20, ReceivedAt: cacheNow.Add(time.Second)})

	if len(seen) != 2 {
		t.Fatalf("handler fired %d times, expected 2", len(seen))
	}
	if seen[1].Last != 501 {
		t.Errorf("handler got %+v", seen[1])
	}
}

func TestQuoteMidAndSpread(t *testing.T) {
	q := Quote{Bid: 1.00, Ask: 1.10, Last: 1.02}
	if got := q.Mid(); got < 1.0499 || got > 1.0501 {
		t.Errorf("mid = %v, expected 1.05", got)
	}
	if got := q.SpreadPercent(); got < 9.5 || got > 9.6 {
		t.Errorf("spread = %v, expected ~9.52", got)
	}

	// One-sided market falls back to last.
	oneSided := Quote{Last: 2.50, Ask: 2.60}
	if got := oneSided.Mid(); got != 2.50 {
		t.Errorf("mid = %v, expected last price fallback", got)
	}
	if got := oneSided.SpreadPercent(); got != 0 {
		t.Errorf("spread = %v, expected 0 without both sides", got)
	}
}
