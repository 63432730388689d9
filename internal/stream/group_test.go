package stream

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPriceCachesStreamedFields(t *testing.T) {
	srv := newMockWSServer(t, marketDataHandler(t))
	sess := openTestSession(t, srv.url())

	p, err := NewPrice(sess, "EUR=", PriceConfig{Fields: []string{"BID", "ASK"}})
	if err != nil {
		t.Fatalf("NewPrice: %v", err)
	}
	if _, err := p.Open(testCtx(t)); err != nil {
		t.Fatalf("Open: %v", err)
	}

	if v, err := p.Field("BID"); err != nil || v != 1.25 {
		t.Fatalf("BID = %v, %v", v, err)
	}
	fields := p.Fields("BID", "ASK")
	if fields["ASK"] != 1.27 {
		t.Fatalf("ASK = %v", fields["ASK"])
	}
	if _, err := p.Field("TRDPRC_1"); !errors.Is(err, ErrFieldNotRequested) {
		t.Fatalf("unrequested field error = %v", err)
	}
}

func TestPriceGroupValidation(t *testing.T) {
	sess := newBareSession(t)
	if _, err := NewPriceGroup(sess, nil, GroupConfig{}); err != ErrNameRequired {
		t.Fatalf("empty universe = %v, want ErrNameRequired", err)
	}
	if _, err := NewPriceGroup(sess, []string{"EUR=", "EUR="}, GroupConfig{}); !errors.Is(err, ErrDuplicateInstrument) {
		t.Fatalf("duplicate universe = %v, want ErrDuplicateInstrument", err)
	}
}

func TestPriceGroupCompleteFiresOnce(t *testing.T) {
	srv := newMockWSServer(t, marketDataHandler(t))
	sess := openTestSession(t, srv.url())

	var completes atomic.Int64
	refreshes := make(chan string, 16)
	g, err := NewPriceGroup(sess, []string{"EUR=", "GBP="}, GroupConfig{
		Fields: []string{"BID", "ASK"},
		Handlers: GroupHandlers{
			Refresh:  func(_ *PriceGroup, instrument string, _ map[string]any) { refreshes <- instrument },
			Complete: func(_ *PriceGroup) { completes.Add(1) },
		},
	})
	if err != nil {
		t.Fatalf("NewPriceGroup: %v", err)
	}

	st, err := g.Open(testCtx(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if st != Open {
		t.Fatalf("group state = %v, want Open", st)
	}

	seen := make(map[string]bool)
	deadline := time.After(3 * time.Second)
	for len(seen) < 2 {
		select {
		case name := <-refreshes:
			seen[name] = true
		case <-deadline:
			t.Fatalf("refreshes seen: %v", seen)
		}
	}
	if got := completes.Load(); got != 1 {
		t.Fatalf("group complete fired %d times, want 1", got)
	}

	if st, err := g.Open(testCtx(t)); err != nil || st != Open {
		t.Fatalf("idempotent Open = %v, %v", st, err)
	}
	if got := completes.Load(); got != 1 {
		t.Fatalf("idempotent open re-fired complete: %d", got)
	}

	if got := g.Close(); got != Closed {
		t.Fatalf("Close = %v", got)
	}
	for _, name := range g.Instruments() {
		p, ok := g.Price(name)
		if !ok {
			t.Fatalf("member %s missing", name)
		}
		if p.State() != Closed {
			t.Fatalf("member %s not closed", name)
		}
	}
}

func TestPriceGroupSnapshot(t *testing.T) {
	srv := newMockWSServer(t, marketDataHandler(t))
	sess := openTestSession(t, srv.url())

	g, err := NewPriceGroup(sess, []string{"EUR=", "GBP="}, GroupConfig{
		Fields: []string{"BID", "ASK", "OPEN_PRC"},
	})
	if err != nil {
		t.Fatalf("NewPriceGroup: %v", err)
	}
	if _, err := g.Open(testCtx(t)); err != nil {
		t.Fatalf("Open: %v", err)
	}

	snap, err := g.Snapshot(nil, []string{"BID", "OPEN_PRC"})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Instruments) != 2 {
		t.Fatalf("instruments = %v", snap.Instruments)
	}
	if v, ok := snap.Value("EUR=", "BID"); !ok || v != 1.25 {
		t.Fatalf("EUR= BID = %v, %v", v, ok)
	}
	// Requested but never received.
	if _, ok := snap.Value("EUR=", "OPEN_PRC"); ok {
		t.Fatal("OPEN_PRC should carry no value")
	}
	if _, ok := snap.Value("EUR=", "ASK"); ok {
		t.Fatal("ASK was not part of this snapshot")
	}

	if _, err := g.Snapshot([]string{"JPY="}, nil); !errors.Is(err, ErrInstrumentNotRequested) {
		t.Fatalf("unknown instrument = %v", err)
	}
	if _, err := g.Snapshot(nil, []string{"TRDPRC_1"}); !errors.Is(err, ErrFieldNotRequested) {
		t.Fatalf("unknown field = %v", err)
	}
}

func TestPriceGroupSnapshotDefaultsToReceivedFields(t *testing.T) {
	srv := newMockWSServer(t, marketDataHandler(t))
	sess := openTestSession(t, srv.url())

	g, err := NewPriceGroup(sess, []string{"EUR="}, GroupConfig{})
	if err != nil {
		t.Fatalf("NewPriceGroup: %v", err)
	}
	if _, err := g.Open(testCtx(t)); err != nil {
		t.Fatalf("Open: %v", err)
	}

	snap, err := g.Snapshot(nil, nil)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Fields) != 2 {
		t.Fatalf("fields = %v, want the two received fields", snap.Fields)
	}
}

func TestSnapshotBeforeAnyData(t *testing.T) {
	sess := newBareSession(t)
	g, err := NewPriceGroup(sess, []string{"EUR="}, GroupConfig{Fields: []string{"BID"}})
	if err != nil {
		t.Fatalf("NewPriceGroup: %v", err)
	}

	snap, err := g.Snapshot([]string{"EUR="}, []string{"BID"})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if v, ok := snap.Value("EUR=", "BID"); ok || v != nil {
		t.Fatalf("BID before data = %v, %v, want no value", v, ok)
	}
}
