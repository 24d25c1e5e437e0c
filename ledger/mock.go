package ledger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pebblemarket/core/apperr"
)

// Mock is a deterministic in-memory Client double for tests and local
// development: it records every command, can be told to fail, and
// exposes what was submitted so callers can assert on it. It is not a
// production ledger.
type Mock struct {
	mu        sync.Mutex
	offset    uint64
	commands  []Command
	contracts map[string]Contract
	streamCh  chan TransactionEvent

	failNext   int32 // number of subsequent SubmitCommand calls to fail
	failKind   apperr.Kind
	partyIndex uint64
}

// NewMock creates a Mock with an empty active-contract set.
func NewMock() *Mock {
	return &Mock{
		contracts: make(map[string]Contract),
		streamCh:  make(chan TransactionEvent, 1024),
	}
}

// FailNext causes the next n SubmitCommand calls to fail as
// LedgerUnavailable, the default for exercising induced-failure paths.
func (m *Mock) FailNext(n int) {
	m.FailNextAs(n, apperr.KindLedgerUnavailable)
}

// FailNextAs causes the next n SubmitCommand calls to fail with the
// given apperr.Kind, so callers can exercise both LedgerUnavailable
// (ambiguous, no durable effect) and LedgerRejected (refused outright)
// handling paths.
func (m *Mock) FailNextAs(n int, kind apperr.Kind) {
	m.mu.Lock()
	m.failKind = kind
	m.mu.Unlock()
	atomic.StoreInt32(&m.failNext, int32(n))
}

// ErrSimulatedFailure is the underlying error wrapped by an
// induced-failure apperr.Kind below.
var ErrSimulatedFailure = fmt.Errorf("ledger: simulated failure")

func (m *Mock) SubmitCommand(ctx context.Context, cmd Command) (CommandResult, error) {
	if n := atomic.LoadInt32(&m.failNext); n > 0 {
		atomic.AddInt32(&m.failNext, -1)
		m.mu.Lock()
		kind := m.failKind
		m.mu.Unlock()
		return CommandResult{}, apperr.Wrap(kind, ErrSimulatedFailure, "simulated ledger failure")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.offset++
	offset := m.offset
	m.commands = append(m.commands, cmd)

	contractID := cmd.ContractID
	if cmd.ChoiceName == "" {
		contractID = uuid.NewString()
		m.contracts[contractID] = Contract{
			ContractID:  contractID,
			TemplateID:  cmd.TemplateID,
			Payload:     cmd.Payload,
			CreatedAt:   time.Now(),
			Signatories: []string{cmd.Party},
		}
	}

	txID := uuid.NewString()
	evt := TransactionEvent{
		TransactionID: txID,
		Offset:        offset,
		Events: []Event{{
			Created:     cmd.ChoiceName == "",
			ContractID:  contractID,
			TemplateID:  cmd.TemplateID,
			Payload:     cmd.Payload,
			Stakeholders: []string{cmd.Party},
		}},
	}
	select {
	case m.streamCh <- evt:
	default:
	}

	return CommandResult{
		TransactionID:  txID,
		Offset:         offset,
		ContractID:     contractID,
		ExerciseResult: cmd.Payload,
	}, nil
}

func (m *Mock) GetActiveContracts(ctx context.Context, filter ContractFilter) ([]Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Contract
	for _, c := range m.contracts {
		if filter.TemplateID != "" && c.TemplateID != filter.TemplateID {
			continue
		}
		if filter.Party != "" {
			found := false
			for _, s := range c.Signatories {
				if s == filter.Party {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		out = append(out, c)
	}
	return out, nil
}

type mockStream struct {
	mock *Mock
}

func (s *mockStream) Next(ctx context.Context) (TransactionEvent, bool, error) {
	select {
	case <-ctx.Done():
		return TransactionEvent{}, false, ctx.Err()
	case evt, ok := <-s.mock.streamCh:
		return evt, ok, nil
	}
}

func (s *mockStream) Close() error { return nil }

func (m *Mock) StreamTransactions(ctx context.Context, filter StreamFilter) (TransactionStream, error) {
	return &mockStream{mock: m}, nil
}

func (m *Mock) AllocateParty(ctx context.Context, hint, displayName string) (PartyDetails, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.partyIndex++
	party := fmt.Sprintf("%s-%d", hint, m.partyIndex)
	return PartyDetails{Party: party, DisplayName: displayName, IsLocal: true}, nil
}

func (m *Mock) GrantPartyRights(ctx context.Context, partyID, userID string) error {
	return nil
}

func (m *Mock) GetLedgerEnd(ctx context.Context) (LedgerEnd, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return LedgerEnd{Offset: m.offset}, nil
}

// Commands returns every command submitted so far, for test assertions.
func (m *Mock) Commands() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Command, len(m.commands))
	copy(out, m.commands)
	return out
}
