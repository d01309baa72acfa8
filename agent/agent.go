// Package agent is the composition root: it wires the authentication
// tree, fact journal, consensus core, recovery coordinator, flow
// budgets, transport, and storage behind a single capability surface,
// with entropy and time selected by execution mode.
package agent

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hxrts/aura-sub037/consensus"
	"github.com/hxrts/aura-sub037/crypto"
	"github.com/hxrts/aura-sub037/flow"
	"github.com/hxrts/aura-sub037/journal"
	"github.com/hxrts/aura-sub037/recovery"
	"github.com/hxrts/aura-sub037/storage"
	"github.com/hxrts/aura-sub037/transport"
	"github.com/hxrts/aura-sub037/tree"
)

// Config describes one agent.
type Config struct {
	Authority crypto.AuthorityId `json:"authority" yaml:"authority"`
	Device    crypto.DeviceId    `json:"device" yaml:"device"`
	Context   crypto.ContextId   `json:"context" yaml:"context"`
	Mode      ExecutionMode      `json:"mode" yaml:"mode"`
	Consensus consensus.Config   `json:"consensus" yaml:"consensus"`
}

// Agent owns one authority's local state: its tree, journal slice,
// budgets, and recovery coordinator, plus the effect handlers selected
// at construction.
type Agent struct {
	cfg      Config
	caps     Capabilities
	tree     *tree.Tree
	journal  *journal.Journal
	budgets  *flow.BudgetMap
	recovery *recovery.Coordinator
	inbox    *transport.Inbox
}

// Option customizes agent construction.
type Option func(*Agent)

// WithTree attaches an existing authentication tree.
func WithTree(t *tree.Tree) Option {
	return func(a *Agent) { a.tree = t }
}

// WithStore attaches a storage backend.
func WithStore(store storage.Store) Option {
	return func(a *Agent) { a.caps.Storage = store }
}

// WithSender attaches an outbound envelope sender.
func WithSender(sender EnvelopeSender) Option {
	return func(a *Agent) { a.caps.Transport = sender }
}

// WithConsole attaches operator-facing output.
func WithConsole(console Console) Option {
	return func(a *Agent) { a.caps.Console = console }
}

// New builds an agent: a reducer registry with the built-in and
// recovery reducers, a fresh journal and budget map, mode-selected
// entropy and clock, and a recovery coordinator emitting into the
// journal.
func New(cfg Config, opts ...Option) (*Agent, error) {
	if cfg.Authority.IsZero() {
		return nil, errors.New("agent requires an authority id")
	}

	registry := journal.NewReducerRegistry()
	journal.RegisterBuiltinReducers(registry)
	recovery.RegisterReducers(registry)

	entropy := EntropyFor(cfg.Mode)
	clock := ClockFor(cfg.Mode, 0)

	a := &Agent{
		cfg:     cfg,
		journal: journal.New(registry),
		budgets: flow.NewBudgetMap(),
		inbox:   transport.NewInbox(),
		caps: Capabilities{
			Crypto: &CryptoEffects{entropy: entropy},
			Clock:  clock,
			Random: entropy,
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.recovery = recovery.NewCoordinator(cfg.Authority, a.journal, func() int64 {
		return a.caps.Clock.Now().UnixMillis / 1000
	})
	return a, nil
}

// Authority returns the agent's authority id.
func (a *Agent) Authority() crypto.AuthorityId { return a.cfg.Authority }

// Device returns the agent's device id.
func (a *Agent) Device() crypto.DeviceId { return a.cfg.Device }

// Capabilities returns the agent's effect handlers.
func (a *Agent) Capabilities() *Capabilities { return &a.caps }

// Journal returns the agent's fact journal.
func (a *Agent) Journal() *journal.Journal { return a.journal }

// Budgets returns the agent's flow budget map.
func (a *Agent) Budgets() *flow.BudgetMap { return a.budgets }

// Tree returns the agent's authentication tree, if attached.
func (a *Agent) Tree() *tree.Tree { return a.tree }

// Recovery returns the agent's recovery coordinator.
func (a *Agent) Recovery() *recovery.Coordinator { return a.recovery }

// Inbox returns the agent's local envelope queue.
func (a *Agent) Inbox() *transport.Inbox { return a.inbox }

// Prestate snapshots the agent's current consensus prestate: its tree
// root commitment and the context's journal digest.
func (a *Agent) Prestate() *consensus.Prestate {
	prestate := &consensus.Prestate{
		RootCommitments: map[crypto.AuthorityId]crypto.Hash32{},
	}
	if a.tree != nil {
		prestate.RootCommitments[a.cfg.Authority] = a.tree.Commitment()
	}
	prestate.ContextCommitment = a.journal.ContextDigest(a.cfg.Context).Hash
	return prestate
}

// RecordCommit appends the journal fact for a completed consensus
// instance, carrying any equivocation evidence the instance gathered.
func (a *Agent) RecordCommit(commit *consensus.CommitFact, evidence *consensus.EvidenceDelta) error {
	if err := commit.Verify(); err != nil {
		return fmt.Errorf("refusing to record invalid commit: %w", err)
	}
	fact := journal.ConsensusFact{
		ConsensusId:      commit.ConsensusId,
		OpHash:           commit.OperationHash,
		ThresholdMet:     true,
		ParticipantCount: uint32(len(commit.Participants)),
	}
	if evidence != nil {
		fact.Equivocations = evidence.Records()
	}
	payload, err := journal.EncodePayload(fact)
	if err != nil {
		return err
	}
	_, err = a.journal.Append(a.cfg.Context, a.cfg.Authority, journal.TypeConsensus, 1, payload)
	return err
}

// ApplyCommit records the commit fact in the journal and then applies
// the committed tree operation locally. Recording happens first so a
// rejected or unrecordable commit never mutates the tree; the tree
// still revalidates the aggregate signature against its own parent
// state.
func (a *Agent) ApplyCommit(commit *consensus.CommitFact, evidence *consensus.EvidenceDelta) (crypto.Hash32, error) {
	if a.tree == nil {
		return crypto.Hash32{}, errors.New("agent has no tree attached")
	}
	var op tree.TreeOp
	if err := json.Unmarshal(commit.OperationBytes, &op); err != nil {
		return crypto.Hash32{}, fmt.Errorf("could not decode committed operation: %w", err)
	}
	if err := a.RecordCommit(commit, evidence); err != nil {
		return crypto.Hash32{}, err
	}
	attested := &tree.AttestedOp{
		Op:          op,
		AggSig:      commit.ThresholdSignature,
		SignerCount: uint32(len(commit.Participants)),
	}
	return a.tree.Apply(attested)
}

// Deliver routes an inbound envelope: envelopes for this agent land in
// the inbox, everything else is refused.
func (a *Agent) Deliver(envelope *transport.TransportEnvelope) error {
	local, err := envelope.LocalFor(a.cfg.Authority, a.cfg.Device)
	if err != nil {
		return err
	}
	if !local {
		return fmt.Errorf("%w: envelope for %s", transport.ErrDestinationUnreachable, envelope.Destination)
	}
	a.inbox.Push(envelope)
	return nil
}

// SendCharged charges the flow budget for the destination and then
// sends, preserving the charge-before-send ordering.
func (a *Agent) SendCharged(envelope *transport.TransportEnvelope, cost uint64) error {
	if err := a.caps.Require(KindTransport); err != nil {
		return err
	}
	if err := a.budgets.Charge(envelope.Context, envelope.Destination, cost); err != nil {
		return err
	}
	commands := []flow.Command{
		{Class: flow.ClassCharge, Context: envelope.Context, Peer: envelope.Destination, Name: "budget.charge"},
		{Class: flow.ClassSend, Context: envelope.Context, Peer: envelope.Destination, Name: "transport.send"},
	}
	if err := flow.VerifyChargeBeforeSend(commands); err != nil {
		return err
	}
	if err := a.caps.Transport.Send(envelope); err != nil {
		// The message never left; hand the charge back.
		if replenishErr := a.budgets.Replenish(envelope.Context, envelope.Destination, cost); replenishErr != nil {
			return errors.Join(err, replenishErr)
		}
		return err
	}
	return nil
}
