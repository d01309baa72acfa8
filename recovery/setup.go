package recovery

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hxrts/aura-sub037/crypto"
	"github.com/hxrts/aura-sub037/journal"
)

// InviteStatus is a guardian invitation's state.
type InviteStatus uint8

const (
	// InvitePending awaits the guardian's answer.
	InvitePending InviteStatus = iota
	// InviteAccepted means the guardian serves the account.
	InviteAccepted
	// InviteDeclined means the guardian refused.
	InviteDeclined
)

// String returns the status name.
func (s InviteStatus) String() string {
	switch s {
	case InvitePending:
		return "pending"
	case InviteAccepted:
		return "accepted"
	case InviteDeclined:
		return "declined"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Setup ceremony errors.
var (
	// ErrAlreadyInvited indicates a duplicate invitation.
	ErrAlreadyInvited = errors.New("guardian already invited")
	// ErrNotInvited indicates an answer without an invitation.
	ErrNotInvited = errors.New("guardian not invited")
	// ErrAlreadyAnswered indicates a second answer to an invitation.
	ErrAlreadyAnswered = errors.New("invitation already answered")
)

// invitation tracks one guardian's ceremony state.
type invitation struct {
	profile GuardianProfile
	status  InviteStatus
}

// Setup runs the guardian setup ceremony for one account: guardians are
// invited with their key packages and accept or decline; the accepted
// set becomes the account's recovery guardian set.
type Setup struct {
	mu          sync.Mutex
	accountId   crypto.AccountId
	context     crypto.ContextId
	invitations map[crypto.GuardianId]*invitation
	sink        FactSink
	author      crypto.AuthorityId
}

// NewSetup creates a ceremony for an account. A nil sink disables fact
// emission.
func NewSetup(accountId crypto.AccountId, context crypto.ContextId, author crypto.AuthorityId, sink FactSink) *Setup {
	return &Setup{
		accountId:   accountId,
		context:     context,
		invitations: make(map[crypto.GuardianId]*invitation),
		sink:        sink,
		author:      author,
	}
}

// Invite registers a guardian invitation.
func (s *Setup) Invite(profile GuardianProfile) error {
	if profile.KeyPackage == nil {
		return fmt.Errorf("guardian %s has no key package", profile.GuardianId)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.invitations[profile.GuardianId]; dup {
		return fmt.Errorf("%w: %s", ErrAlreadyInvited, profile.GuardianId)
	}
	s.invitations[profile.GuardianId] = &invitation{profile: profile, status: InvitePending}
	s.emit(TypeGuardianInvited, profile.GuardianId)
	return nil
}

// Accept records a guardian's acceptance.
func (s *Setup) Accept(guardianId crypto.GuardianId) error {
	return s.answer(guardianId, InviteAccepted, TypeGuardianAccepted)
}

// Decline records a guardian's refusal.
func (s *Setup) Decline(guardianId crypto.GuardianId) error {
	return s.answer(guardianId, InviteDeclined, TypeGuardianDeclined)
}

func (s *Setup) answer(guardianId crypto.GuardianId, status InviteStatus, typeId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	invite, ok := s.invitations[guardianId]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotInvited, guardianId)
	}
	if invite.status != InvitePending {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyAnswered, guardianId, invite.status)
	}
	invite.status = status
	s.emit(typeId, guardianId)
	return nil
}

// Status returns a guardian's invitation status.
func (s *Setup) Status(guardianId crypto.GuardianId) (InviteStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	invite, ok := s.invitations[guardianId]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotInvited, guardianId)
	}
	return invite.status, nil
}

// ActiveSet returns the accepted guardians, the set a recovery request
// draws from.
func (s *Setup) ActiveSet() []GuardianProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []GuardianProfile
	for _, invite := range s.invitations {
		if invite.status == InviteAccepted {
			out = append(out, invite.profile)
		}
	}
	return out
}

func (s *Setup) emit(typeId string, guardianId crypto.GuardianId) {
	if s.sink == nil {
		return
	}
	encoded, err := journal.EncodePayload(GuardianSetupFact{AccountId: s.accountId, GuardianId: guardianId})
	if err != nil {
		return
	}
	_, _ = s.sink.Append(s.context, s.author, typeId, 1, encoded)
}
