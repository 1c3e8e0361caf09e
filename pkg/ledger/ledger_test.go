package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func noopAppend(Event) error { return nil }

func TestMintCreditsAccountAndDebitsReserve(t *testing.T) {
	l := New(1_000_000)

	tx, err := l.Stage()
	require.NoError(t, err)
	require.NoError(t, tx.Mint("alice", 500, "signup bonus", ""))

	ids, err := tx.Commit(noopAppend)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	require.Equal(t, int64(500), l.Balance("alice"))
	require.Equal(t, int64(999_500), l.Balance(PlatformReserveAccount))
}

func TestBurnReturnsCreditsToReserve(t *testing.T) {
	l := New(1_000_000)

	tx, err := l.Stage()
	require.NoError(t, err)
	require.NoError(t, tx.Mint("alice", 500, "seed", ""))
	_, err = tx.Commit(noopAppend)
	require.NoError(t, err)

	tx2, err := l.Stage()
	require.NoError(t, err)
	require.NoError(t, tx2.Burn("alice", 200, "cashout", ""))
	_, err = tx2.Commit(noopAppend)
	require.NoError(t, err)

	require.Equal(t, int64(300), l.Balance("alice"))
	require.Equal(t, int64(999_700), l.Balance(PlatformReserveAccount))
}

func TestTransferMovesBalanceBetweenAccounts(t *testing.T) {
	l := New(1_000_000)

	tx, err := l.Stage()
	require.NoError(t, err)
	require.NoError(t, tx.Mint("alice", 500, "seed", ""))
	_, err = tx.Commit(noopAppend)
	require.NoError(t, err)

	tx2, err := l.Stage()
	require.NoError(t, err)
	require.NoError(t, tx2.Transfer("alice", "bob", 200, "payment", ""))
	_, err = tx2.Commit(noopAppend)
	require.NoError(t, err)

	require.Equal(t, int64(300), l.Balance("alice"))
	require.Equal(t, int64(200), l.Balance("bob"))
}

func TestTransferToSelfFails(t *testing.T) {
	l := New(1_000_000)
	tx, err := l.Stage()
	require.NoError(t, err)

	err = tx.Transfer("alice", "alice", 10, "bad", "")
	require.Error(t, err)
	var target *TransactionFailedError
	require.ErrorAs(t, err, &target)
}

func TestBurnMoreThanBalanceFails(t *testing.T) {
	l := New(1_000_000)
	tx, err := l.Stage()
	require.NoError(t, err)

	err = tx.Burn("alice", 10, "overdraft", "")
	require.Error(t, err)
	var target *InsufficientFundsError
	require.ErrorAs(t, err, &target)
}

func TestOnlyOneStagedTransactionAtATime(t *testing.T) {
	l := New(1_000_000)
	_, err := l.Stage()
	require.NoError(t, err)

	_, err = l.Stage()
	require.Error(t, err)
}

func TestRollbackDiscardsStagedEventsAndFreesLedger(t *testing.T) {
	l := New(1_000_000)
	tx, err := l.Stage()
	require.NoError(t, err)
	require.NoError(t, tx.Mint("alice", 500, "seed", ""))

	tx.Rollback()
	require.Equal(t, int64(0), l.Balance("alice"))

	_, err = l.Stage()
	require.NoError(t, err, "ledger must accept a new staged transaction after rollback")
}

func TestValidateIntegrityPassesAfterBalancedCommits(t *testing.T) {
	l := New(1_000_000)

	tx, err := l.Stage()
	require.NoError(t, err)
	require.NoError(t, tx.Mint("alice", 500, "seed", ""))
	require.NoError(t, tx.Transfer("alice", "bob", 100, "pay", ""))
	_, err = tx.Commit(noopAppend)
	require.NoError(t, err)

	require.NoError(t, l.ValidateIntegrity(1_000_000))
}

func TestValidateIntegrityFailsOnWrongExpectedTotal(t *testing.T) {
	l := New(1_000_000)
	require.Error(t, l.ValidateIntegrity(42))
}

func TestEffectiveBalanceAccountsForPendingChangesWithinTransaction(t *testing.T) {
	l := New(1_000_000)
	tx, err := l.Stage()
	require.NoError(t, err)

	require.NoError(t, tx.Mint("alice", 500, "seed", ""))
	// A burn in the same staged transaction sees the mint's pending
	// effect on alice's balance, even though nothing has been
	// committed yet.
	require.NoError(t, tx.Burn("alice", 500, "spend it all", ""))

	err = tx.Burn("alice", 1, "overdraft", "")
	require.Error(t, err)
}
