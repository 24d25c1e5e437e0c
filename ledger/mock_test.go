package ledger

import (
	"context"
	"testing"
)

func TestMockSubmitCommandRecordsAndStreams(t *testing.T) {
	m := NewMock()
	ctx := context.Background()

	res, err := m.SubmitCommand(ctx, Command{
		CommandID:  "deposit-1",
		TemplateID: TemplateTradingAccount,
		Party:      "alice",
		Payload:    map[string]interface{}{"amount": "10.00"},
	})
	if err != nil {
		t.Fatalf("SubmitCommand: %v", err)
	}
	if res.ContractID == "" {
		t.Fatalf("expected a contract id for a create command")
	}

	stream, err := m.StreamTransactions(ctx, StreamFilter{})
	if err != nil {
		t.Fatalf("StreamTransactions: %v", err)
	}
	defer stream.Close()

	evt, ok, err := stream.Next(ctx)
	if err != nil || !ok {
		t.Fatalf("expected a transaction event, ok=%v err=%v", ok, err)
	}
	if evt.Offset != 1 {
		t.Fatalf("expected offset 1, got %d", evt.Offset)
	}
	if len(m.Commands()) != 1 {
		t.Fatalf("expected 1 recorded command, got %d", len(m.Commands()))
	}
}

func TestMockFailNext(t *testing.T) {
	m := NewMock()
	m.FailNext(1)
	_, err := m.SubmitCommand(context.Background(), Command{CommandID: "x", TemplateID: TemplateMarket})
	if err == nil {
		t.Fatalf("expected simulated failure")
	}
	_, err = m.SubmitCommand(context.Background(), Command{CommandID: "y", TemplateID: TemplateMarket})
	if err != nil {
		t.Fatalf("expected second call to succeed, got %v", err)
	}
}
