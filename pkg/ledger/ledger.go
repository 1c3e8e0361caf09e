// Package ledger implements the double-entry accounting engine (C7):
// every balance change is staged as a matched debit/credit pair and
// only becomes visible when the staged transaction is committed.
package ledger

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// PlatformReserveAccount and PlatformRevenueAccount are the two
// platform-owned accounts. Every mint debits the reserve and every
// burn credits it; the revenue account starts at zero and no operation
// in this package moves funds into it.
const (
	PlatformReserveAccount = "platform:reserve"
	PlatformRevenueAccount = "platform:revenue"
)

// EntryType distinguishes the two sides of a ledger entry.
type EntryType string

const (
	EntryDebit  EntryType = "debit"
	EntryCredit EntryType = "credit"
)

// EventKind discriminates the three settlement shapes a staged
// transaction can produce.
type EventKind string

const (
	EventMint     EventKind = "mint"
	EventBurn     EventKind = "burn"
	EventTransfer EventKind = "transfer"
)

// Entry is one side of a double-entry event.
type Entry struct {
	AccountID string    `json:"account_id"`
	Amount    int64     `json:"amount"`
	EventID   uuid.UUID `json:"event_id"`
	Type      EntryType `json:"type"`
}

// Event is a committed double-entry record: exactly one debit and one
// credit of equal amount.
type Event struct {
	ID        uuid.UUID `json:"id"`
	Sequence  uint64    `json:"sequence"`
	Kind      EventKind `json:"kind"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Amount    uint64    `json:"amount"`
	Reason    string    `json:"reason"`
	Memo      string    `json:"memo,omitempty"`
	Debit     Entry     `json:"debit"`
	Credit    Entry     `json:"credit"`
	Committed bool      `json:"committed"`
}

// Account holds a single signed-integer balance.
type Account struct {
	ID      string `json:"id"`
	Balance int64  `json:"balance"`
}

// Errors returned by ledger operations (§4.7).
type InsufficientFundsError struct {
	AccountID string
	Balance   int64
	Required  int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("ledger: insufficient funds in %s: balance %d, required %d", e.AccountID, e.Balance, e.Required)
}

type TransactionFailedError struct {
	Reason string
}

func (e *TransactionFailedError) Error() string {
	return fmt.Sprintf("ledger: transaction failed: %s", e.Reason)
}

type UnbalancedTransactionError struct {
	Detail string
}

func (e *UnbalancedTransactionError) Error() string {
	return fmt.Sprintf("ledger: unbalanced transaction: %s", e.Detail)
}

// AppendFunc durably records a committed event before it is applied to
// live balances; the caller is expected to wire this to a WAL-backed
// store (pkg/store.WalStore.CommitWithWAL or similar).
type AppendFunc func(Event) error

// Ledger holds committed account balances and the append-only event
// history. At most one staged transaction may be open at a time.
type Ledger struct {
	mu           sync.Mutex
	accounts     map[string]*Account
	events       []Event
	nextSequence uint64
	staging      bool
}

// New creates a ledger seeded with initialReserve credits in the
// platform reserve account. ValidateIntegrity takes its expected total
// as a caller-supplied parameter rather than remembering this value,
// so a deployment's initial reserve is never a compiled-in constant.
func New(initialReserve int64) *Ledger {
	return &Ledger{
		accounts: map[string]*Account{
			PlatformReserveAccount: {ID: PlatformReserveAccount, Balance: initialReserve},
			PlatformRevenueAccount: {ID: PlatformRevenueAccount, Balance: 0},
		},
		nextSequence: 1,
	}
}

// Balance returns the current balance of account, or 0 if unknown.
func (l *Ledger) Balance(accountID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok := l.accounts[accountID]; ok {
		return a.Balance
	}
	return 0
}

// Events returns every committed event, in commit order.
func (l *Ledger) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// NextSequence returns the sequence that will be assigned to the next
// staged event.
func (l *Ledger) NextSequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSequence
}

// StagedTransaction accumulates mint/burn/transfer operations against
// a single ledger. Nothing is visible to readers until Commit.
type StagedTransaction struct {
	ledger          *Ledger
	staged          []Event
	pendingBalances map[string]int64
}

// Stage opens a new staged transaction. It fails if another staged
// transaction on this ledger has not yet been committed or rolled
// back (§5 shared-resource policy: at most one active staged
// transaction per ledger instance).
func (l *Ledger) Stage() (*StagedTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.staging {
		return nil, &TransactionFailedError{Reason: "a staged transaction is already open on this ledger"}
	}
	l.staging = true
	return &StagedTransaction{ledger: l, pendingBalances: make(map[string]int64)}, nil
}

func (t *StagedTransaction) effectiveBalance(accountID string) int64 {
	return t.ledger.Balance(accountID) + t.pendingBalances[accountID]
}

func (t *StagedTransaction) adjustPending(accountID string, delta int64) {
	t.pendingBalances[accountID] += delta
}

func (t *StagedTransaction) nextSequence() uint64 {
	return t.ledger.NextSequence() + uint64(len(t.staged))
}

func (t *StagedTransaction) stage(kind EventKind, from, to string, amount uint64, reason, memo string) error {
	seq := t.nextSequence()
	eventID := uuid.New()
	amt := int64(amount)

	event := Event{
		ID:       eventID,
		Sequence: seq,
		Kind:     kind,
		From:     from,
		To:       to,
		Amount:   amount,
		Reason:   reason,
		Memo:     memo,
		Debit:    Entry{AccountID: from, Amount: amt, EventID: eventID, Type: EntryDebit},
		Credit:   Entry{AccountID: to, Amount: amt, EventID: eventID, Type: EntryCredit},
	}
	t.staged = append(t.staged, event)
	return nil
}

// Mint stages a debit on the platform reserve and a credit on
// accountID.
func (t *StagedTransaction) Mint(accountID string, amount uint64, reason, memo string) error {
	if amount == 0 {
		return &TransactionFailedError{Reason: "cannot mint zero credits"}
	}
	amt := int64(amount)
	reserveBalance := t.effectiveBalance(PlatformReserveAccount)
	if reserveBalance < amt {
		return &InsufficientFundsError{AccountID: PlatformReserveAccount, Balance: reserveBalance, Required: amt}
	}
	t.adjustPending(PlatformReserveAccount, -amt)
	t.adjustPending(accountID, amt)
	return t.stage(EventMint, PlatformReserveAccount, accountID, amount, reason, memo)
}

// Burn stages a debit on accountID and a credit on the platform
// reserve.
func (t *StagedTransaction) Burn(accountID string, amount uint64, reason, memo string) error {
	if amount == 0 {
		return &TransactionFailedError{Reason: "cannot burn zero credits"}
	}
	amt := int64(amount)
	balance := t.effectiveBalance(accountID)
	if balance < amt {
		return &InsufficientFundsError{AccountID: accountID, Balance: balance, Required: amt}
	}
	t.adjustPending(accountID, -amt)
	t.adjustPending(PlatformReserveAccount, amt)
	return t.stage(EventBurn, accountID, PlatformReserveAccount, amount, reason, memo)
}

// Transfer stages a debit on from and a credit on to.
func (t *StagedTransaction) Transfer(from, to string, amount uint64, reason, memo string) error {
	if from == to {
		return &TransactionFailedError{Reason: "cannot transfer to the same account"}
	}
	if amount == 0 {
		return &TransactionFailedError{Reason: "cannot transfer zero credits"}
	}
	amt := int64(amount)
	balance := t.effectiveBalance(from)
	if balance < amt {
		return &InsufficientFundsError{AccountID: from, Balance: balance, Required: amt}
	}
	t.adjustPending(from, -amt)
	t.adjustPending(to, amt)
	return t.stage(EventTransfer, from, to, amount, reason, memo)
}

// StagedCount returns how many events are currently staged.
func (t *StagedTransaction) StagedCount() int { return len(t.staged) }

// Commit durably records each staged event (via append) in insertion
// order, then applies its debit/credit to live balances, and advances
// the ledger's sequence counter. It returns the committed event ids.
//
// If append succeeds but applying to live balances fails, Commit stops
// and returns a TransactionFailedError; the WAL then holds an event
// that live balances do not reflect. The ledger does not block later
// staged transactions after such a failure: the staging flag is
// cleared on every return, and a new Stage succeeds.
func (t *StagedTransaction) Commit(appendFn AppendFunc) ([]uuid.UUID, error) {
	l := t.ledger
	l.mu.Lock()
	defer func() {
		l.staging = false
		l.mu.Unlock()
	}()

	if len(t.staged) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, 0, len(t.staged))
	for _, event := range t.staged {
		event.Committed = true

		if err := appendFn(event); err != nil {
			return ids, &TransactionFailedError{Reason: fmt.Sprintf("wal append failed: %v", err)}
		}

		if err := l.applyCommittedLocked(event); err != nil {
			return ids, &TransactionFailedError{Reason: fmt.Sprintf("apply after WAL write failed: %v", err)}
		}
		ids = append(ids, event.ID)
	}
	return ids, nil
}

// Rollback discards every staged event. No WAL entries are written.
func (t *StagedTransaction) Rollback() {
	t.ledger.mu.Lock()
	t.ledger.staging = false
	t.ledger.mu.Unlock()
	t.staged = nil
	t.pendingBalances = nil
}

// applyCommittedLocked applies an already-committed, WAL-durable
// event to live balances. Callers must hold l.mu.
func (l *Ledger) applyCommittedLocked(event Event) error {
	if event.Sequence != uint64(len(l.events))+1 {
		return fmt.Errorf("ledger: sequence error: expected %d, got %d", len(l.events)+1, event.Sequence)
	}
	if event.Debit.Amount != event.Credit.Amount {
		return &UnbalancedTransactionError{Detail: "debit and credit amounts differ"}
	}

	if err := l.debitLocked(event.Debit.AccountID, event.Debit.Amount); err != nil {
		return err
	}
	l.creditLocked(event.Credit.AccountID, event.Credit.Amount)

	l.events = append(l.events, event)
	l.nextSequence = uint64(len(l.events)) + 1
	return nil
}

// ApplyCommitted applies an already-committed event to live balances;
// the FSM uses it to rebuild the ledger from a snapshot. It is not
// idempotent: an event whose sequence is not exactly the next one is
// rejected with a sequence error, so applying the same event twice
// fails the second time.
func (l *Ledger) ApplyCommitted(event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applyCommittedLocked(event)
}

func (l *Ledger) debitLocked(accountID string, amount int64) error {
	a, ok := l.accounts[accountID]
	if !ok {
		a = &Account{ID: accountID}
		l.accounts[accountID] = a
	}
	if a.Balance < amount {
		return &InsufficientFundsError{AccountID: accountID, Balance: a.Balance, Required: amount}
	}
	a.Balance -= amount
	return nil
}

func (l *Ledger) creditLocked(accountID string, amount int64) {
	a, ok := l.accounts[accountID]
	if !ok {
		a = &Account{ID: accountID}
		l.accounts[accountID] = a
	}
	a.Balance += amount
}

// ValidateIntegrity checks that total committed debits equal total
// committed credits, and that the sum of all account balances equals
// expectedTotal, which the caller supplies (never a compiled-in
// constant: a deployment's initial reserve is a runtime parameter).
func (l *Ledger) ValidateIntegrity(expectedTotal int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var totalDebits, totalCredits int64
	for _, event := range l.events {
		if !event.Committed {
			continue
		}
		totalDebits += event.Debit.Amount
		totalCredits += event.Credit.Amount
	}
	if totalDebits != totalCredits {
		return &UnbalancedTransactionError{Detail: fmt.Sprintf("total debits %d != total credits %d", totalDebits, totalCredits)}
	}

	var totalBalance int64
	for _, a := range l.accounts {
		totalBalance += a.Balance
	}
	if totalBalance != expectedTotal {
		return &UnbalancedTransactionError{Detail: fmt.Sprintf("total balance %d != expected %d", totalBalance, expectedTotal)}
	}
	return nil
}
