package eventstream

import (
	"context"
	"testing"
	"time"

	"github.com/pebblemarket/core/applog"
	"github.com/pebblemarket/core/ledger"
	"github.com/pebblemarket/core/projections"
	"github.com/pebblemarket/core/store"
)

func newTestProcessor(t *testing.T, lc ledger.Client) (*Processor, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:", false, applog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	clock := func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	cfg := DefaultConfig()
	cfg.InitialReconnectDelay = time.Millisecond
	cfg.MaxReconnectDelay = 2 * time.Millisecond
	p := New(st, lc, projections.New(st), nil, applog.Nop(), cfg, clock)
	return p, st
}

func TestProcessor_AppliesDepositEventAndCheckpointsOffset(t *testing.T) {
	mock := ledger.NewMock()
	p, st := newTestProcessor(t, mock)

	if _, err := mock.SubmitCommand(context.Background(), ledger.Command{
		CommandID:  "create-acct",
		TemplateID: ledger.TemplateTradingAccount,
		Party:      "alice",
		Payload: map[string]interface{}{
			"owner":            "alice",
			"availableBalance": "100",
			"lockedBalance":    "0",
		},
	}); err != nil {
		t.Fatalf("SubmitCommand: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	waitFor(t, func() bool { return p.Status().EventsProcessed >= 1 })
	cancel()
	p.Stop()

	acct, err := st.GetAccount("alice")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acct.AvailableBalance.String() != "100" {
		t.Fatalf("expected availableBalance 100, got %s", acct.AvailableBalance)
	}

	offset, ok, err := st.GetSystemState(offsetKey)
	if err != nil || !ok {
		t.Fatalf("expected offset to be checkpointed, ok=%v err=%v", ok, err)
	}
	if offset != "1" {
		t.Fatalf("expected checkpointed offset 1, got %s", offset)
	}
}

func TestProcessor_ResumesFromCheckpointedOffset(t *testing.T) {
	mock := ledger.NewMock()
	p, st := newTestProcessor(t, mock)
	if err := st.SetSystemState(nil, offsetKey, "5"); err != nil {
		t.Fatalf("SetSystemState: %v", err)
	}
	if got := p.loadOffset(); got != 5 {
		t.Fatalf("expected loadOffset to resume at 5, got %d", got)
	}
}

func TestProcessor_OffsetAdvancesMonotonicallyAcrossRestarts(t *testing.T) {
	mock := ledger.NewMock()
	p, st := newTestProcessor(t, mock)

	submitAccount := func(party string) {
		if _, err := mock.SubmitCommand(context.Background(), ledger.Command{
			CommandID:  "create-" + party,
			TemplateID: ledger.TemplateTradingAccount,
			Party:      party,
			Payload: map[string]interface{}{
				"owner":            party,
				"availableBalance": "10",
				"lockedBalance":    "0",
			},
		}); err != nil {
			t.Fatalf("SubmitCommand: %v", err)
		}
	}

	submitAccount("alice")
	ctx1, cancel1 := context.WithCancel(context.Background())
	p.Start(ctx1)
	waitFor(t, func() bool { return p.Status().EventsProcessed >= 1 })
	cancel1()
	p.Stop()

	first := p.loadOffset()
	if first < 1 {
		t.Fatalf("expected offset to have advanced past 0, got %d", first)
	}

	submitAccount("bob")
	p2 := New(st, mock, p.proj, nil, applog.Nop(), p.cfg, p.clock)
	ctx2, cancel2 := context.WithCancel(context.Background())
	p2.Start(ctx2)
	waitFor(t, func() bool { return p2.loadOffset() > first })
	cancel2()
	p2.Stop()

	second := p2.loadOffset()
	if second <= first {
		t.Fatalf("expected offset to advance past the prior checkpoint %d, got %d", first, second)
	}

	bob, err := st.GetAccount("bob")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if bob.AvailableBalance.String() != "10" {
		t.Fatalf("expected bob's account applied after resuming from checkpoint, got %s", bob.AvailableBalance)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
