package recovery

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hxrts/aura-sub037/crypto"
	"github.com/hxrts/aura-sub037/journal"
)

func newTestSetup(t *testing.T) (*Setup, *journal.Journal, crypto.ContextId) {
	t.Helper()
	registry := journal.NewReducerRegistry()
	RegisterReducers(registry)
	j := journal.New(registry)
	ctx := crypto.NewID()
	return NewSetup(crypto.NewID(), ctx, crypto.NewID(), j), j, ctx
}

func TestSetupCeremony(t *testing.T) {
	setup, j, ctx := newTestSetup(t)
	accepted := newTestGuardian(t)
	declined := newTestGuardian(t)
	pending := newTestGuardian(t)

	require.NoError(t, setup.Invite(accepted.profile()))
	require.NoError(t, setup.Invite(declined.profile()))
	require.NoError(t, setup.Invite(pending.profile()))

	require.NoError(t, setup.Accept(accepted.id))
	require.NoError(t, setup.Decline(declined.id))

	active := setup.ActiveSet()
	require.Len(t, active, 1)
	require.Equal(t, accepted.id, active[0].GuardianId)

	status, err := setup.Status(pending.id)
	require.NoError(t, err)
	require.Equal(t, InvitePending, status)

	// The ceremony left a fact trail with status bindings.
	bindings := j.Bindings(ctx, BindingGuardianStatus)
	require.Len(t, bindings, 5) // three invites, one accept, one decline
}

func TestSetupRejectsDuplicatesAndStrangers(t *testing.T) {
	setup, _, _ := newTestSetup(t)
	guardian := newTestGuardian(t)

	require.NoError(t, setup.Invite(guardian.profile()))
	require.ErrorIs(t, setup.Invite(guardian.profile()), ErrAlreadyInvited)

	stranger := newTestGuardian(t)
	require.ErrorIs(t, setup.Accept(stranger.id), ErrNotInvited)
	_, err := setup.Status(stranger.id)
	require.ErrorIs(t, err, ErrNotInvited)

	require.NoError(t, setup.Accept(guardian.id))
	require.ErrorIs(t, setup.Decline(guardian.id), ErrAlreadyAnswered)

	require.Error(t, setup.Invite(GuardianProfile{GuardianId: crypto.NewID()}))
}
