package flow

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hxrts/aura-sub037/crypto"
)

func TestChargeAndReplenish(t *testing.T) {
	m := NewBudgetMap()
	ctx, peer := crypto.NewID(), crypto.NewID()

	require.ErrorIs(t, m.Charge(ctx, peer, 1), ErrUnknownBudget)

	m.SetLimit(ctx, peer, 100, 1)
	require.NoError(t, m.Charge(ctx, peer, 60))
	require.ErrorIs(t, m.Charge(ctx, peer, 50), ErrInsufficientBudget)
	require.NoError(t, m.Charge(ctx, peer, 40))

	budget, ok := m.Get(ctx, peer)
	require.True(t, ok)
	require.Equal(t, uint64(100), budget.Spent)
	require.Equal(t, uint64(0), budget.Remaining())

	require.NoError(t, m.Replenish(ctx, peer, 30))
	budget, _ = m.Get(ctx, peer)
	require.Equal(t, uint64(70), budget.Spent)

	// Replenishing more than spent floors at zero.
	require.NoError(t, m.Replenish(ctx, peer, 1_000))
	budget, _ = m.Get(ctx, peer)
	require.Equal(t, uint64(0), budget.Spent)

	charges, refusals := m.Stats()
	require.Equal(t, uint64(2), charges)
	require.Equal(t, uint64(1), refusals)
}

func TestSpentNeverExceedsLimit(t *testing.T) {
	m := NewBudgetMap()
	ctx, peer := crypto.NewID(), crypto.NewID()
	m.SetLimit(ctx, peer, 50, 1)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Charge(ctx, peer, 7)
		}()
	}
	wg.Wait()

	budget, ok := m.Get(ctx, peer)
	require.True(t, ok)
	require.LessOrEqual(t, budget.Spent, budget.Limit)

	// Shrinking the limit clamps spent.
	m.SetLimit(ctx, peer, 10, 1)
	budget, _ = m.Get(ctx, peer)
	require.LessOrEqual(t, budget.Spent, uint64(10))
}

func TestResetEpochAndCleanup(t *testing.T) {
	m := NewBudgetMap()
	ctx := crypto.NewID()
	fresh, stale := crypto.NewID(), crypto.NewID()

	m.SetLimit(ctx, stale, 10, 1)
	require.NoError(t, m.Charge(ctx, stale, 5))
	m.SetLimit(ctx, fresh, 10, 5)

	m.ResetEpoch(6)
	budget, _ := m.Get(ctx, stale)
	require.Equal(t, uint64(0), budget.Spent)
	require.Equal(t, crypto.Epoch(6), budget.Epoch)

	// Everything was stamped with epoch 6, so nothing is stale yet.
	require.Equal(t, 0, m.CleanupStale(8, 3))

	m.SetLimit(ctx, stale, 10, 2)
	require.Equal(t, 1, m.CleanupStale(8, 3))
	_, ok := m.Get(ctx, stale)
	require.False(t, ok)
	_, ok = m.Get(ctx, fresh)
	require.True(t, ok)
	require.Equal(t, 1, m.Len())

	// An epoch window larger than the current epoch removes nothing.
	require.Equal(t, 0, m.CleanupStale(2, 10))
}

func TestChargeBeforeSendGuard(t *testing.T) {
	ctx := crypto.NewID()
	alice, bob := crypto.NewID(), crypto.NewID()

	good := []Command{
		{Class: ClassCharge, Context: ctx, Peer: alice},
		{Class: ClassOther, Context: ctx, Peer: alice, Name: "journal_append"},
		{Class: ClassSend, Context: ctx, Peer: alice, Name: "send_envelope"},
		{Class: ClassCharge, Context: ctx, Peer: bob},
		{Class: ClassSend, Context: ctx, Peer: bob, Name: "send_envelope"},
	}
	require.NoError(t, VerifyChargeBeforeSend(good))

	// A send with no charge at all.
	require.ErrorIs(t, VerifyChargeBeforeSend([]Command{
		{Class: ClassSend, Context: ctx, Peer: alice, Name: "send_envelope"},
	}), ErrUnguardedSend)

	// A charge for the wrong peer does not cover the send.
	require.ErrorIs(t, VerifyChargeBeforeSend([]Command{
		{Class: ClassCharge, Context: ctx, Peer: bob},
		{Class: ClassSend, Context: ctx, Peer: alice, Name: "send_envelope"},
	}), ErrUnguardedSend)

	// One charge covers one send, not two.
	require.ErrorIs(t, VerifyChargeBeforeSend([]Command{
		{Class: ClassCharge, Context: ctx, Peer: alice},
		{Class: ClassSend, Context: ctx, Peer: alice, Name: "first"},
		{Class: ClassSend, Context: ctx, Peer: alice, Name: "second"},
	}), ErrUnguardedSend)
}
