package recovery

import (
	"fmt"
	"sync"

	"github.com/hxrts/aura-sub037/crypto"
	"github.com/hxrts/aura-sub037/journal"
	"github.com/hxrts/aura-sub037/tree"
)

// DefaultDisputeWindowSecs is substituted when a request carries no
// dispute window.
const DefaultDisputeWindowSecs uint64 = 3_600

// FactSink receives the recovery facts the coordinator emits. The
// journal satisfies it.
type FactSink interface {
	Append(ctx crypto.ContextId, author crypto.AuthorityId, typeId string, schemaVersion uint16, payload []byte) (journal.FactEnvelope, error)
}

// Coordinator runs recovery sessions for one agent. Timestamps come
// from the injected clock and are provenanced wall-clock seconds.
type Coordinator struct {
	mu       sync.Mutex
	sessions map[crypto.SessionId]*Session
	sink     FactSink
	author   crypto.AuthorityId
	now      func() int64
}

// NewCoordinator creates a coordinator emitting facts as the given
// authority. A nil sink disables fact emission.
func NewCoordinator(author crypto.AuthorityId, sink FactSink, now func() int64) *Coordinator {
	return &Coordinator{
		sessions: make(map[crypto.SessionId]*Session),
		sink:     sink,
		author:   author,
		now:      now,
	}
}

// ExecuteRecovery opens a session from a request, computing the
// cooldown and dispute window deadlines up front and emitting the
// requested fact.
func (c *Coordinator) ExecuteRecovery(request *RecoveryRequest) (*Session, error) {
	if request.Threshold == 0 {
		return nil, fmt.Errorf("%w: zero threshold", ErrInsufficientApprovals)
	}
	if uint32(len(request.GuardianSet)) < request.Threshold {
		return nil, fmt.Errorf("%w: %d guardians, threshold %d",
			ErrInsufficientApprovals, len(request.GuardianSet), request.Threshold)
	}
	if request.NewRoot.IsZero() {
		return nil, fmt.Errorf("empty replacement root")
	}
	seen := make(map[crypto.GuardianId]struct{}, len(request.GuardianSet))
	for _, g := range request.GuardianSet {
		if _, dup := seen[g.GuardianId]; dup {
			return nil, fmt.Errorf("duplicate guardian %s", g.GuardianId)
		}
		if g.KeyPackage == nil {
			return nil, fmt.Errorf("guardian %s has no key package", g.GuardianId)
		}
		seen[g.GuardianId] = struct{}{}
	}

	cooldown := request.CooldownSecs
	if cooldown == 0 {
		cooldown = DefaultCooldownSecs
	}
	if floor := request.Priority.MinCooldownSecs(); cooldown < floor {
		cooldown = floor
	}
	window := request.DisputeWindowSecs
	if window == 0 {
		window = DefaultDisputeWindowSecs
	}

	now := c.now()
	session := &Session{
		SessionId:         crypto.NewID(),
		AccountId:         request.AccountId,
		TargetAuthority:   request.TargetAuthority,
		RequestingDevice:  request.RequestingDevice,
		RecoveryContext:   request.RecoveryContext,
		NewRoot:           request.NewRoot,
		Threshold:         request.Threshold,
		GuardianSet:       append([]GuardianProfile(nil), request.GuardianSet...),
		Priority:          request.Priority,
		State:             StateProposed,
		CooldownExpiresAt: now + int64(cooldown),
		DisputeWindowEnds: now + int64(window),
		Approvals:         make(map[crypto.GuardianId]crypto.ThresholdSignature),
	}

	c.mu.Lock()
	c.sessions[session.SessionId] = session
	c.mu.Unlock()

	c.emit(session, TypeRecoveryRequested, RecoveryRequestedFact{
		SessionId:         session.SessionId,
		TargetAuthority:   session.TargetAuthority,
		RequestingDevice:  session.RequestingDevice,
		NewRoot:           session.NewRoot,
		Threshold:         session.Threshold,
		GuardianCount:     uint32(len(session.GuardianSet)),
		CooldownExpiresAt: session.CooldownExpiresAt,
		DisputeWindowEnds: session.DisputeWindowEnds,
	})
	return c.snapshot(session), nil
}

// SubmitApproval records one guardian's signature over the replacement
// root. The signature must verify under that guardian's own key
// package; a failed verification aborts the session.
func (c *Coordinator) SubmitApproval(sessionId crypto.SessionId, guardianId crypto.GuardianId, approval crypto.ThresholdSignature) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	session, ok := c.sessions[sessionId]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionId)
	}
	if session.State != StateProposed && session.State != StateCollectingApprovals {
		return fmt.Errorf("%w: %s", ErrInvalidState, session.State)
	}
	guardian, ok := session.guardian(guardianId)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGuardian, guardianId)
	}
	if !approval.Verify(guardian.KeyPackage.GroupPublicKey, ApprovalBytes(session.TargetAuthority, session.NewRoot)) {
		_ = advance(session, StateAborted)
		return fmt.Errorf("%w: guardian %s", ErrSignatureVerification, guardianId)
	}
	if session.State == StateProposed {
		if err := advance(session, StateCollectingApprovals); err != nil {
			return err
		}
	}
	if _, dup := session.Approvals[guardianId]; dup {
		return nil
	}
	session.Approvals[guardianId] = approval
	c.emit(session, TypeRecoveryApproved, RecoveryApprovedFact{
		SessionId:  session.SessionId,
		GuardianId: guardianId,
		Approvals:  uint32(len(session.Approvals)),
	})
	if uint32(len(session.Approvals)) >= session.Threshold {
		// Threshold met starts the cooldown immediately.
		if err := advance(session, StateThresholdMet); err != nil {
			return err
		}
		if err := advance(session, StateCooldownActive); err != nil {
			return err
		}
		c.emit(session, TypeRecoveryThresholdMet, RecoveryThresholdMetFact{
			SessionId:         session.SessionId,
			Approvals:         uint32(len(session.Approvals)),
			CooldownExpiresAt: session.CooldownExpiresAt,
		})
	}
	return nil
}

// FileDispute contests a session inside its dispute window. Anyone
// holding evidence of coercion or compromise may file; resolution is
// out of band.
func (c *Coordinator) FileDispute(sessionId crypto.SessionId, evidenceId crypto.Hash32, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	session, ok := c.sessions[sessionId]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionId)
	}
	if !CanTransition(session.State, StateDisputed) {
		return fmt.Errorf("%w: %s", ErrInvalidState, session.State)
	}
	now := c.now()
	if now >= session.DisputeWindowEnds {
		return fmt.Errorf("%w: ended at %d", ErrDisputeWindowClosed, session.DisputeWindowEnds)
	}
	if err := advance(session, StateDisputed); err != nil {
		return err
	}
	session.Dispute = &Dispute{EvidenceId: evidenceId, Reason: reason, FiledAt: now}
	c.emit(session, TypeRecoveryDisputed, RecoveryDisputedFact{
		SessionId:  session.SessionId,
		EvidenceId: evidenceId,
		Reason:     reason,
	})
	return nil
}

// Abort cancels a non-terminal session.
func (c *Coordinator) Abort(sessionId crypto.SessionId) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	session, ok := c.sessions[sessionId]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionId)
	}
	return advance(session, StateAborted)
}

// Finalize closes a session whose cooldown and dispute window have both
// elapsed undisputed, returning the SetRoot operation for the guardian
// cohort's consensus instance. The parent binding pins the operation to
// the tree state the caller read.
func (c *Coordinator) Finalize(sessionId crypto.SessionId, parentEpoch crypto.Epoch, parentCommitment crypto.Hash32) (*tree.TreeOp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	session, ok := c.sessions[sessionId]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionId)
	}
	switch session.State {
	case StateDisputed:
		return nil, fmt.Errorf("%w: %s", ErrDisputeFiled, session.Dispute.Reason)
	case StateProposed, StateCollectingApprovals:
		return nil, fmt.Errorf("%w: %d of %d", ErrInsufficientApprovals, len(session.Approvals), session.Threshold)
	case StateCooldownActive, StateDisputeOpen:
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, session.State)
	}
	now := c.now()
	if now < session.CooldownExpiresAt {
		return nil, fmt.Errorf("%w: expires at %d", ErrCooldownNotExpired, session.CooldownExpiresAt)
	}
	if session.State == StateCooldownActive {
		if err := advance(session, StateDisputeOpen); err != nil {
			return nil, err
		}
	}
	if now < session.DisputeWindowEnds {
		return nil, fmt.Errorf("%w: dispute window open until %d", ErrCooldownNotExpired, session.DisputeWindowEnds)
	}
	if err := advance(session, StateFinalized); err != nil {
		return nil, err
	}
	c.emit(session, TypeRecoveryFinalized, RecoveryFinalizedFact{
		SessionId: session.SessionId,
		NewRoot:   session.NewRoot,
	})
	return &tree.TreeOp{
		ParentEpoch:      parentEpoch,
		ParentCommitment: parentCommitment,
		Version:          tree.CurrentVersion,
		Kind:             tree.OpSetRoot,
		NewRoot:          session.NewRoot,
	}, nil
}

// Session returns a copy of the session's current state.
func (c *Coordinator) Session(sessionId crypto.SessionId) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	session, ok := c.sessions[sessionId]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionId)
	}
	return c.snapshot(session), nil
}

// advance moves a session along the legal transition chain.
func advance(session *Session, to SessionState) error {
	if !CanTransition(session.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, session.State, to)
	}
	session.State = to
	return nil
}

// snapshot copies a session for callers outside the lock.
func (c *Coordinator) snapshot(session *Session) *Session {
	out := *session
	out.GuardianSet = append([]GuardianProfile(nil), session.GuardianSet...)
	out.Approvals = make(map[crypto.GuardianId]crypto.ThresholdSignature, len(session.Approvals))
	for id, sig := range session.Approvals {
		out.Approvals[id] = sig
	}
	if session.Dispute != nil {
		dispute := *session.Dispute
		out.Dispute = &dispute
	}
	return &out
}

// emit appends one recovery fact to the session's recovery context.
// Emission is best effort; session state is authoritative.
func (c *Coordinator) emit(session *Session, typeId string, payload any) {
	if c.sink == nil {
		return
	}
	encoded, err := journal.EncodePayload(payload)
	if err != nil {
		return
	}
	_, _ = c.sink.Append(session.RecoveryContext, c.author, typeId, 1, encoded)
}
