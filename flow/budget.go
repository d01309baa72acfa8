// Package flow meters message emission: every (context, peer) pair has
// a spending budget, and the emission path must charge the budget
// before it sends.
package flow

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"github.com/hxrts/aura-sub037/crypto"
)

// ErrInsufficientBudget indicates a charge larger than the remaining
// budget. The caller gets the error back; the core never retries.
var ErrInsufficientBudget = errors.New("insufficient flow budget")

// ErrUnknownBudget indicates no budget exists for the pair.
var ErrUnknownBudget = errors.New("unknown flow budget")

// budgetKey identifies one metered pair.
type budgetKey struct {
	Context crypto.ContextId
	Peer    crypto.AuthorityId
}

// Budget is one pair's counter. Invariant: Spent <= Limit.
type Budget struct {
	Limit uint64       `json:"limit"`
	Spent uint64       `json:"spent"`
	Epoch crypto.Epoch `json:"epoch"`
}

// Remaining returns the unspent budget.
func (b Budget) Remaining() uint64 {
	return b.Limit - b.Spent
}

// BudgetMap holds all budgets of one agent behind a single
// reader-writer lock, so charges are totally ordered with limit changes
// and epoch resets.
type BudgetMap struct {
	mu      sync.RWMutex
	budgets map[budgetKey]*Budget

	charges  atomic.Uint64
	refusals atomic.Uint64
}

// NewBudgetMap creates an empty budget map.
func NewBudgetMap() *BudgetMap {
	return &BudgetMap{budgets: make(map[budgetKey]*Budget)}
}

// SetLimit creates or updates the pair's budget limit at the given
// epoch. Shrinking the limit below the amount already spent clamps
// spent down to the new limit.
func (m *BudgetMap) SetLimit(ctx crypto.ContextId, peer crypto.AuthorityId, limit uint64, epoch crypto.Epoch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := budgetKey{Context: ctx, Peer: peer}
	budget, ok := m.budgets[key]
	if !ok {
		m.budgets[key] = &Budget{Limit: limit, Epoch: epoch}
		return
	}
	budget.Limit = limit
	budget.Epoch = epoch
	if budget.Spent > budget.Limit {
		budget.Spent = budget.Limit
	}
}

// Charge spends cost from the pair's budget, atomically with respect to
// every other budget operation.
func (m *BudgetMap) Charge(ctx crypto.ContextId, peer crypto.AuthorityId, cost uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	budget, ok := m.budgets[budgetKey{Context: ctx, Peer: peer}]
	if !ok {
		return fmt.Errorf("%w: context %s peer %s", ErrUnknownBudget, ctx, peer)
	}
	if budget.Remaining() < cost {
		m.refusals.Inc()
		return fmt.Errorf("%w: %d remaining, %d requested", ErrInsufficientBudget, budget.Remaining(), cost)
	}
	budget.Spent += cost
	m.charges.Inc()
	return nil
}

// Replenish returns amount to the pair's budget, flooring spent at
// zero.
func (m *BudgetMap) Replenish(ctx crypto.ContextId, peer crypto.AuthorityId, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	budget, ok := m.budgets[budgetKey{Context: ctx, Peer: peer}]
	if !ok {
		return fmt.Errorf("%w: context %s peer %s", ErrUnknownBudget, ctx, peer)
	}
	if amount > budget.Spent {
		budget.Spent = 0
	} else {
		budget.Spent -= amount
	}
	return nil
}

// ResetEpoch zeroes every budget's spend and stamps the new epoch.
func (m *BudgetMap) ResetEpoch(epoch crypto.Epoch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, budget := range m.budgets {
		budget.Spent = 0
		budget.Epoch = epoch
	}
}

// CleanupStale removes budgets last touched at or before
// currentEpoch - staleEpochs.
func (m *BudgetMap) CleanupStale(currentEpoch crypto.Epoch, staleEpochs uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if uint64(currentEpoch) < staleEpochs {
		return 0
	}
	cutoff := currentEpoch - crypto.Epoch(staleEpochs)
	removed := 0
	for key, budget := range m.budgets {
		if budget.Epoch <= cutoff {
			delete(m.budgets, key)
			removed++
		}
	}
	return removed
}

// Get returns a copy of the pair's budget.
func (m *BudgetMap) Get(ctx crypto.ContextId, peer crypto.AuthorityId) (Budget, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	budget, ok := m.budgets[budgetKey{Context: ctx, Peer: peer}]
	if !ok {
		return Budget{}, false
	}
	return *budget, true
}

// Len returns the number of tracked budgets.
func (m *BudgetMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.budgets)
}

// Stats returns the lifetime charge and refusal counters.
func (m *BudgetMap) Stats() (charges, refusals uint64) {
	return m.charges.Load(), m.refusals.Load()
}
