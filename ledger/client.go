// Package ledger defines the abstract interface the core uses to talk
// to the external distributed ledger. The wire format and
// authentication of the real participant node are explicitly out of
// scope; only the interface and a deterministic test double live here.
package ledger

import (
	"context"
	"time"
)

// Command is a single ledger write: a contract creation or a choice
// exercise, identified by a caller-supplied commandId for idempotency
// at the ledger.
type Command struct {
	CommandID  string
	TemplateID string // "#<packageName>:<Module.Path>:<Template>"
	ChoiceName string // empty for a pure create
	ContractID string // target of an exercise; empty for a create
	Party      string
	Payload    map[string]interface{}
}

// CommandResult is the outcome of a successfully submitted Command.
type CommandResult struct {
	TransactionID  string
	Offset         uint64
	ContractID     string
	ExerciseResult map[string]interface{}
}

// Contract is a single active-contract-set entry.
type Contract struct {
	ContractID  string
	TemplateID  string
	Payload     map[string]interface{}
	CreatedAt   time.Time
	Signatories []string
	Observers   []string
}

// ContractFilter selects contracts by template and party for
// GetActiveContracts.
type ContractFilter struct {
	TemplateID string
	Party      string
}

// Event is one created-or-archived event within a TransactionEvent.
type Event struct {
	Created     bool // false means archived
	ContractID  string
	TemplateID  string
	Payload     map[string]interface{} // nil for archive events
	Stakeholders []string
}

// TransactionEvent is one atomic unit in the ledger's transaction
// stream; all of Events must be applied together.
type TransactionEvent struct {
	TransactionID string
	Offset        uint64
	Events        []Event
}

// StreamFilter selects a transaction stream starting point and scope.
type StreamFilter struct {
	BeginOffset uint64
	TemplateIDs []string
	Parties     []string
}

// PartyDetails describes an allocated ledger party.
type PartyDetails struct {
	Party       string
	DisplayName string
	IsLocal     bool
}

// LedgerEnd is the current end-of-stream offset.
type LedgerEnd struct {
	Offset uint64
}

// TransactionStream is a restartable, finite-in-practice sequence of
// TransactionEvents, returned by Client.StreamTransactions.
type TransactionStream interface {
	// Next blocks until the next TransactionEvent is available, ctx is
	// cancelled, or the stream ends (io.EOF-equivalent: ok=false, err=nil).
	Next(ctx context.Context) (event TransactionEvent, ok bool, err error)
	// Close releases the stream's resources; safe to call more than once.
	Close() error
}

// Client is the abstract collaborator the core depends on for every
// ledger interaction. The concrete implementation (wire format, auth)
// is external to this module.
type Client interface {
	SubmitCommand(ctx context.Context, cmd Command) (CommandResult, error)
	GetActiveContracts(ctx context.Context, filter ContractFilter) ([]Contract, error)
	StreamTransactions(ctx context.Context, filter StreamFilter) (TransactionStream, error)
	AllocateParty(ctx context.Context, hint, displayName string) (PartyDetails, error)
	GrantPartyRights(ctx context.Context, partyID, userID string) error
	GetLedgerEnd(ctx context.Context) (LedgerEnd, error)
}

// Template IDs the core references by name. The package name portion
// is left to deployment configuration; these are the module/template
// path components the core matches on when routing events and
// building commands.
const (
	TemplateTradingAccount        = "Pebble.Account:TradingAccount"
	TemplateTradingAccountRequest = "Pebble.Account:TradingAccountRequest"
	TemplatePebbleAuthorization   = "Pebble.Account:PebbleAuthorization"
	TemplateMarket                = "Pebble.Market:Market"
	TemplatePosition              = "Pebble.Position:Position"
	TemplatePositionMerge         = "Pebble.Position:PositionMerge"
	TemplateSettlementProposal    = "Pebble.Settlement:SettlementProposal"
	TemplateSettlementAccepted    = "Pebble.Settlement:SettlementProposalAccepted"
	TemplateSettlement            = "Pebble.Settlement:Settlement"
	TemplateMarketSettlement      = "Pebble.Market:MarketSettlement"
)

// Choice names exercised against the templates above.
const (
	ChoiceLockFunds              = "LockFunds"
	ChoiceUnlockFunds            = "UnlockFunds"
	ChoiceDebitForSettlement     = "DebitForSettlement"
	ChoiceCreditForSettlement    = "CreditForSettlement"
	ChoiceCreditFromDeposit      = "CreditFromDeposit"
	ChoiceWithdrawFunds          = "WithdrawFunds"
	ChoiceAcceptAccountRequest   = "AcceptAccountRequest"
	ChoiceCloseMarket            = "CloseMarket"
	ChoiceResolveMarket          = "ResolveMarket"
	ChoiceLockPosition           = "Lock"
	ChoiceUnlockPosition         = "Unlock"
	ChoiceAddPosition            = "Add"
	ChoiceReducePosition         = "Reduce"
	ChoiceExecuteMerge           = "ExecuteMerge"
	ChoiceBuyerAccept            = "BuyerAccept"
	ChoiceSellerAccept           = "SellerAccept"
	ChoiceExecuteSettlement      = "ExecuteSettlement"
	ChoiceRedeemPosition         = "RedeemPosition"
)
