package store

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/pebblemarket/core/applog"
	"github.com/pebblemarket/core/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", false, applog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestSaveAndGetMarket(t *testing.T) {
	s := newTestStore(t)
	m := &domain.Market{
		MarketID:  "m1",
		Question:  "Will it rain tomorrow?",
		Status:    domain.MarketOpen,
		YesPrice:  decimal.RequireFromString("0.50"),
		NoPrice:   decimal.RequireFromString("0.50"),
		CreatedAt: time.Now(),
	}
	if err := s.SaveMarket(nil, m); err != nil {
		t.Fatalf("SaveMarket: %v", err)
	}
	got, err := s.GetMarket(nil, "m1")
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if got.Question != m.Question {
		t.Fatalf("expected question %q, got %q", m.Question, got.Question)
	}
}

func TestIdempotencyRecordRoundTrip(t *testing.T) {
	s := newTestStore(t)
	rec := &domain.IdempotencyRecord{
		UserID:    "alice",
		Key:       "key-1",
		Response:  `{"orderId":"o1"}`,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := s.SaveIdempotencyRecord(nil, rec); err != nil {
		t.Fatalf("SaveIdempotencyRecord: %v", err)
	}
	got, err := s.GetIdempotencyRecord("alice", "key-1")
	if err != nil {
		t.Fatalf("GetIdempotencyRecord: %v", err)
	}
	if got.Response != rec.Response {
		t.Fatalf("expected response %q, got %q", rec.Response, got.Response)
	}
}

func TestSystemStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	if err := s.SetSystemState(nil, "lastProcessedOffset", "42"); err != nil {
		t.Fatalf("SetSystemState: %v", err)
	}
	v, ok, err := s.GetSystemState("lastProcessedOffset")
	if err != nil || !ok {
		t.Fatalf("GetSystemState: ok=%v err=%v", ok, err)
	}
	if v != "42" {
		t.Fatalf("expected 42, got %s", v)
	}
	_, ok, err = s.GetSystemState("missingKey")
	if err != nil {
		t.Fatalf("GetSystemState missing: %v", err)
	}
	if ok {
		t.Fatalf("expected missing key to report ok=false")
	}
}

func TestTransactionRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	boom := errors.New("boom")
	err := s.Transaction(func(tx *gorm.DB) error {
		if err := s.SaveAccount(tx, &domain.Account{UserID: "bob"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := s.GetAccount("bob"); !isNotFound(err) {
		t.Fatalf("expected account to not exist after rollback, got err=%v", err)
	}
}
