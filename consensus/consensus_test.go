package consensus

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hxrts/aura-sub037/crypto"
)

func fixedNow() int64 { return 1_700_000_000_000 }

type cohort struct {
	set         *WitnessSet
	cache       *NonceCache
	witnesses   []*Witness
	messageKeys map[crypto.AuthorityId]crypto.PrivateKey
}

// newCohort deals a threshold-of-n cohort, creates a witness actor per
// member, and optionally primes the coordinator's nonce cache with one
// published commitment each.
func newCohort(t *testing.T, threshold, n uint32, prime bool) *cohort {
	t.Helper()
	shares, pkg, err := crypto.DealKeyShares(threshold, n, rand.Reader)
	require.NoError(t, err)

	c := &cohort{
		cache:       NewNonceCache(),
		messageKeys: make(map[crypto.AuthorityId]crypto.PrivateKey),
	}
	set := &WitnessSet{Threshold: threshold, GroupKey: pkg}
	for i := uint32(0); i < n; i++ {
		pubkey, privkey, err := crypto.GenerateKeyPair()
		require.NoError(t, err)
		identity := WitnessIdentity{
			Authority:  crypto.NewID(),
			Index:      shares[i].Index,
			MessageKey: pubkey,
		}
		set.Witnesses = append(set.Witnesses, identity)
		c.messageKeys[identity.Authority] = privkey
		witness := NewWitness(identity, privkey, shares[i], pkg,
			func(*Execute) error { return nil }, rand.Reader, fixedNow)
		c.witnesses = append(c.witnesses, witness)
		if prime {
			commitment, err := witness.PublishCommitment()
			require.NoError(t, err)
			c.cache.Put(identity.Authority, *commitment)
		}
	}
	c.set = set
	return c
}

func (c *cohort) witnessOf(authority crypto.AuthorityId) *Witness {
	for _, w := range c.witnesses {
		if w.Identity().Authority == authority {
			return w
		}
	}
	return nil
}

func testPrestate() *Prestate {
	authority := crypto.DeriveID("TEST_AUTHORITY", []byte("prestate"))
	return &Prestate{
		RootCommitments:   map[crypto.AuthorityId]crypto.Hash32{authority: crypto.HashBytes([]byte("root"))},
		ContextCommitment: crypto.HashBytes([]byte("context")),
	}
}

func newTestInstance(t *testing.T, c *cohort, op []byte, nonce uint64) *Instance {
	t.Helper()
	prestate := testPrestate()
	cid := DeriveConsensusId(prestate.Hash(), crypto.HashBytes(op), nonce)
	inst, err := NewInstance(DefaultConfig(), cid, prestate, op, 1, c.set, c.cache, fixedNow)
	require.NoError(t, err)
	return inst
}

// runFastPath drives one instance to commit over the fast path and
// returns the result broadcast.
func runFastPath(t *testing.T, c *cohort, inst *Instance) *ConsensusResult {
	t.Helper()
	msgs, err := inst.Start()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	execute := msgs[0].Execute
	require.NotNil(t, execute)
	require.Equal(t, PhaseFastPathActive, inst.Phase())

	var result *ConsensusResult
	for _, w := range c.witnesses {
		reply, err := w.HandleExecute(execute)
		require.NoError(t, err)
		require.NotNil(t, reply.SignShare)
		out, err := inst.HandleSignShare(reply.SignShare)
		require.NoError(t, err)
		for _, m := range out {
			require.NotNil(t, m.Result)
			result = m.Result
		}
	}
	require.NotNil(t, result)
	return result
}

func TestPhaseTransitionWhitelist(t *testing.T) {
	allowed := []struct{ from, to Phase }{
		{PhasePending, PhaseFastPathActive},
		{PhasePending, PhaseFallbackActive},
		{PhaseFastPathActive, PhaseFallbackActive},
		{PhaseFastPathActive, PhaseCommitted},
		{PhaseFastPathActive, PhaseFailed},
		{PhaseFallbackActive, PhaseCommitted},
		{PhaseFallbackActive, PhaseFailed},
	}
	for _, tc := range allowed {
		require.True(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
	forbidden := []struct{ from, to Phase }{
		{PhasePending, PhaseCommitted},
		{PhasePending, PhaseFailed},
		{PhaseFallbackActive, PhaseFastPathActive},
		{PhaseCommitted, PhaseFailed},
		{PhaseCommitted, PhaseFastPathActive},
		{PhaseFailed, PhaseCommitted},
		{PhaseFastPathActive, PhasePending},
	}
	for _, tc := range forbidden {
		require.False(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestFastPathCommit(t *testing.T) {
	c := newCohort(t, 2, 3, true)
	inst := newTestInstance(t, c, []byte("add guardian leaf"), 1)

	msgs, err := inst.Start()
	require.NoError(t, err)
	execute := msgs[0].Execute
	require.NotNil(t, execute)
	require.Len(t, execute.CachedCommitments, 2)
	require.Equal(t, uint32(2), execute.Threshold)

	var result *ConsensusResult
	sharesSeen := 0
	for _, w := range c.witnesses {
		reply, err := w.HandleExecute(execute)
		require.NoError(t, err)
		if reply.SignShare.Share != nil {
			sharesSeen++
		}
		out, err := inst.HandleSignShare(reply.SignShare)
		require.NoError(t, err)
		if len(out) > 0 {
			result = out[0].Result
		}
	}
	// Exactly the signing subset contributes shares; the third witness
	// votes without one.
	require.Equal(t, 2, sharesSeen)
	require.NotNil(t, result)
	require.NoError(t, result.Commit.Verify())
	require.True(t, result.Commit.FastPath)
	require.Len(t, result.Commit.Participants, 2)
	require.Equal(t, PhaseCommitted, inst.Phase())

	outcome := inst.Result()
	require.NotNil(t, outcome)
	require.Equal(t, StatusCommitted, outcome.Status)
}

func TestFastPathPipelinesNextInstance(t *testing.T) {
	c := newCohort(t, 2, 3, true)
	runFastPath(t, c, newTestInstance(t, c, []byte("first"), 1))

	// The sign shares carried next commitments, so a second instance
	// still finds a full signing subset in the cache.
	second := newTestInstance(t, c, []byte("second"), 2)
	result := runFastPath(t, c, second)
	require.True(t, result.Commit.FastPath)
}

func TestFallbackCommit(t *testing.T) {
	c := newCohort(t, 2, 3, false) // empty cache forces fallback
	inst := newTestInstance(t, c, []byte("rotate epoch"), 1)

	msgs, err := inst.Start()
	require.NoError(t, err)
	execute := msgs[0].Execute
	require.Empty(t, execute.CachedCommitments)
	require.Equal(t, PhaseFallbackActive, inst.Phase())

	var requests []Message
	for _, w := range c.witnesses {
		reply, err := w.HandleExecute(execute)
		require.NoError(t, err)
		require.NotNil(t, reply.Propose)
		out, err := inst.HandlePropose(reply.Propose)
		require.NoError(t, err)
		requests = append(requests, out...)
	}
	require.Len(t, requests, 2)

	var result *ConsensusResult
	for _, m := range requests {
		require.NotNil(t, m.SignRequest)
		witness := c.witnessOf(m.Destination)
		require.NotNil(t, witness)
		reply, err := witness.HandleSignRequest(m.SignRequest)
		require.NoError(t, err)
		out, err := inst.HandleSignShare(reply.SignShare)
		require.NoError(t, err)
		if len(out) > 0 {
			result = out[0].Result
		}
	}
	require.NotNil(t, result)
	require.NoError(t, result.Commit.Verify())
	require.False(t, result.Commit.FastPath)
	require.Equal(t, PhaseCommitted, inst.Phase())
}

func TestFastPathExpiryFallsBack(t *testing.T) {
	c := newCohort(t, 2, 3, true)
	inst := newTestInstance(t, c, []byte("slow cohort"), 1)
	_, err := inst.Start()
	require.NoError(t, err)

	msgs, err := inst.ExpireFastPath()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Execute)
	require.Empty(t, msgs[0].Execute.CachedCommitments)
	require.Equal(t, PhaseFallbackActive, inst.Phase())

	// Firing again is a no-op.
	msgs, err = inst.ExpireFastPath()
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestInstanceTimeout(t *testing.T) {
	c := newCohort(t, 2, 3, true)
	inst := newTestInstance(t, c, []byte("nobody answers"), 1)
	_, err := inst.Start()
	require.NoError(t, err)

	msgs, err := inst.Expire()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Abort)
	require.Equal(t, PhaseFailed, inst.Phase())

	outcome := inst.Result()
	require.NotNil(t, outcome)
	require.Equal(t, StatusTimedOut, outcome.Status)
}

func TestFallbackWithoutAgreementFails(t *testing.T) {
	c := newCohort(t, 2, 3, false)
	inst := newTestInstance(t, c, []byte("disputed"), 1)
	_, err := inst.Start()
	require.NoError(t, err)

	// Every witness proposes a distinct result: no result can reach
	// threshold support.
	cid := instanceId(t, inst)
	for i, w := range c.witnesses {
		identity := w.Identity()
		_, commitment, err := crypto.GenerateNonce(identity.Index, rand.Reader)
		require.NoError(t, err)
		propose := &FallbackPropose{
			ConsensusId: cid,
			ResultId:    crypto.HashBytes([]byte{byte(i)}),
			Witness:     identity.Authority,
			Commitment:  *commitment,
		}
		out, err := inst.HandlePropose(propose)
		require.NoError(t, err)
		if i < len(c.witnesses)-1 {
			require.Empty(t, out)
		} else {
			require.Len(t, out, 1)
			require.NotNil(t, out[0].Abort)
		}
	}
	require.Equal(t, PhaseFailed, inst.Phase())
	outcome := inst.Result()
	require.Equal(t, StatusFailed, outcome.Status)
}

func instanceId(t *testing.T, inst *Instance) crypto.Hash32 {
	t.Helper()
	return inst.consensusId
}

func TestEquivocationProducesEvidence(t *testing.T) {
	c := newCohort(t, 2, 3, true)
	inst := newTestInstance(t, c, []byte("contested operation"), 1)
	msgs, err := inst.Start()
	require.NoError(t, err)
	execute := msgs[0].Execute

	// The byzantine witness is the one outside the signing subset.
	subset := make(map[crypto.SignerIndex]struct{})
	for _, commitment := range execute.CachedCommitments {
		subset[commitment.Index] = struct{}{}
	}
	var byzantine *Witness
	for _, w := range c.witnesses {
		if _, in := subset[w.Identity().Index]; !in {
			byzantine = w
		}
	}
	require.NotNil(t, byzantine)

	// First vote: the honest reply.
	reply, err := byzantine.HandleExecute(execute)
	require.NoError(t, err)
	_, err = inst.HandleSignShare(reply.SignShare)
	require.NoError(t, err)

	// Second vote: hand-signed for a different result.
	identity := byzantine.Identity()
	otherResult := crypto.HashBytes([]byte("forked result"))
	voteSig, err := crypto.Sign(c.messageKeys[identity.Authority], VoteBytes(execute.ConsensusId, otherResult))
	require.NoError(t, err)
	_, err = inst.HandleSignShare(&SignShare{
		ConsensusId: execute.ConsensusId,
		ResultId:    otherResult,
		Witness:     identity.Authority,
		VoteSig:     voteSig,
	})
	require.NoError(t, err)

	evidence := inst.Evidence()
	require.NotNil(t, evidence)
	require.Len(t, evidence.Proofs, 1)
	proof := evidence.Proofs[0]
	require.Equal(t, identity.Authority, proof.Witness)
	require.True(t, proof.FirstResultId.Less(proof.SecondResultId))
	require.NoError(t, proof.Validate(identity.MessageKey))

	// The instance still commits, and the result carries the evidence.
	var result *ConsensusResult
	for _, w := range c.witnesses {
		if w == byzantine {
			continue
		}
		reply, err := w.HandleExecute(execute)
		require.NoError(t, err)
		out, err := inst.HandleSignShare(reply.SignShare)
		require.NoError(t, err)
		if len(out) > 0 {
			result = out[0].Result
		}
	}
	require.NotNil(t, result)
	require.NoError(t, result.Commit.Verify())
	require.NotNil(t, result.Evidence)
	require.Len(t, result.Evidence.Proofs, 1)
}

func TestEquivocationProofRejectsSynthesizedVotes(t *testing.T) {
	pubkey, privkey, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	witness := crypto.NewID()
	cid := crypto.HashBytes([]byte("instance"))
	resultA := crypto.HashBytes([]byte("a"))
	resultB := crypto.HashBytes([]byte("b"))

	sigA, err := crypto.Sign(privkey, VoteBytes(cid, resultA))
	require.NoError(t, err)
	// The second signature covers unrelated content.
	sigB, err := crypto.Sign(privkey, []byte("not a vote"))
	require.NoError(t, err)

	proof, err := NewEquivocationProof(witness, cid, crypto.Hash32{}, resultA, resultB, sigA, sigB, fixedNow())
	require.NoError(t, err)
	require.Error(t, proof.Validate(pubkey))

	// Two genuine votes validate.
	sigB, err = crypto.Sign(privkey, VoteBytes(cid, resultB))
	require.NoError(t, err)
	proof, err = NewEquivocationProof(witness, cid, crypto.Hash32{}, resultA, resultB, sigA, sigB, fixedNow())
	require.NoError(t, err)
	require.NoError(t, proof.Validate(pubkey))

	// Agreeing votes are not equivocation.
	_, err = NewEquivocationProof(witness, cid, crypto.Hash32{}, resultA, resultA, sigA, sigA, fixedNow())
	require.Error(t, err)
}

func TestEvidenceDeltaMergeIsIdempotent(t *testing.T) {
	_, privkey, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	witness := crypto.NewID()
	cid := crypto.HashBytes([]byte("instance"))
	resultA := crypto.HashBytes([]byte("a"))
	resultB := crypto.HashBytes([]byte("b"))
	sigA, err := crypto.Sign(privkey, VoteBytes(cid, resultA))
	require.NoError(t, err)
	sigB, err := crypto.Sign(privkey, VoteBytes(cid, resultB))
	require.NoError(t, err)
	proof, err := NewEquivocationProof(witness, cid, crypto.Hash32{}, resultA, resultB, sigA, sigB, fixedNow())
	require.NoError(t, err)

	delta := &EvidenceDelta{ConsensusId: cid}
	incoming := &EvidenceDelta{ConsensusId: cid, Proofs: []EquivocationProof{*proof}}
	delta.Merge(incoming)
	delta.Merge(incoming)
	require.Len(t, delta.Proofs, 1)

	// The swapped pair normalizes to the same proof.
	swapped, err := NewEquivocationProof(witness, cid, crypto.Hash32{}, resultB, resultA, sigB, sigA, fixedNow())
	require.NoError(t, err)
	delta.Merge(&EvidenceDelta{ConsensusId: cid, Proofs: []EquivocationProof{*swapped}})
	require.Len(t, delta.Proofs, 1)
}

func TestWitnessRefusesConflictingVote(t *testing.T) {
	c := newCohort(t, 2, 3, true)
	inst := newTestInstance(t, c, []byte("original"), 1)
	msgs, err := inst.Start()
	require.NoError(t, err)
	execute := msgs[0].Execute

	witness := c.witnesses[0]
	_, err = witness.HandleExecute(execute)
	require.NoError(t, err)

	tampered := *execute
	tampered.OperationHash = crypto.HashBytes([]byte("swapped operation"))
	_, err = witness.HandleExecute(&tampered)
	require.ErrorIs(t, err, ErrVoteConflict)
}

func TestWitnessAttestationRefusal(t *testing.T) {
	shares, pkg, err := crypto.DealKeyShares(2, 2, rand.Reader)
	require.NoError(t, err)
	pubkey, privkey, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	identity := WitnessIdentity{Authority: crypto.NewID(), Index: shares[0].Index, MessageKey: pubkey}
	refuse := func(*Execute) error { return ErrConflict }
	witness := NewWitness(identity, privkey, shares[0], pkg, refuse, rand.Reader, fixedNow)

	_, err = witness.HandleExecute(&Execute{ConsensusId: crypto.HashBytes([]byte("x"))})
	require.ErrorIs(t, err, ErrConflict)
}

func TestCommitFactVerify(t *testing.T) {
	c := newCohort(t, 2, 3, true)
	result := runFastPath(t, c, newTestInstance(t, c, []byte("verified op"), 1))
	commit := result.Commit
	require.NoError(t, commit.Verify())

	tampered := commit
	tampered.OperationBytes = []byte("replaced")
	require.Error(t, tampered.Verify())

	tampered = commit
	tampered.Participants = []crypto.AuthorityId{commit.Participants[0], commit.Participants[0]}
	require.Error(t, tampered.Verify())

	tampered = commit
	tampered.Participants = commit.Participants[:1]
	require.Error(t, tampered.Verify())
}

func TestObserverAdoptsCommitFromPending(t *testing.T) {
	c := newCohort(t, 2, 3, true)
	result := runFastPath(t, c, newTestInstance(t, c, []byte("adopted op"), 1))

	observer := newTestInstance(t, c, []byte("adopted op"), 1)
	require.Equal(t, PhasePending, observer.Phase())

	_, err := observer.HandleResult(result)
	require.NoError(t, err)
	require.Equal(t, PhaseCommitted, observer.Phase())

	got := observer.Result()
	require.NotNil(t, got)
	require.Equal(t, StatusCommitted, got.Status)
	require.NoError(t, got.Commit.Verify())
}

func TestObserverDetectsConflictingCommits(t *testing.T) {
	c := newCohort(t, 2, 3, true)
	first := runFastPath(t, c, newTestInstance(t, c, []byte("the operation"), 1))

	// A second coordinator for the same instance produces a second,
	// distinct commit fact (fresh nonces, different signature).
	second := runFastPath(t, c, newTestInstance(t, c, []byte("the operation"), 1))
	require.NotEqual(t, first.Commit.ThresholdSignature.String(), second.Commit.ThresholdSignature.String())

	observer := newTestInstance(t, c, []byte("the operation"), 1)
	_, err := observer.HandleResult(first)
	require.NoError(t, err)
	require.Equal(t, PhaseCommitted, observer.Phase())

	_, err = observer.HandleResult(second)
	require.ErrorIs(t, err, ErrConflict)
	require.NotNil(t, observer.Conflict())
	require.Equal(t, StatusConflicted, observer.Result().Status)

	// Replaying the same commit is harmless.
	conflict := observer.Conflict()
	_, err = observer.HandleResult(second)
	require.Error(t, err)
	require.Equal(t, conflict, observer.Conflict())
}

func TestNonceCacheSelectsByIndex(t *testing.T) {
	c := newCohort(t, 2, 3, true)
	commitments, ok := c.cache.selectSigners(c.set)
	require.True(t, ok)
	require.Len(t, commitments, 2)
	require.Less(t, commitments[0].Index, commitments[1].Index)

	// The consumed commitments are gone; the third witness's remains.
	_, ok = c.cache.selectSigners(c.set)
	require.False(t, ok)
	remaining := 0
	for _, w := range c.set.Witnesses {
		if _, found := c.cache.Get(w.Authority); found {
			remaining++
		}
	}
	require.Equal(t, 1, remaining)
}
