package flow

import (
	"errors"
	"fmt"

	"github.com/hxrts/aura-sub037/crypto"
)

// ErrUnguardedSend indicates a send-class command with no preceding
// charge-class command for the same pair.
var ErrUnguardedSend = errors.New("send before charge")

// CommandClass partitions emission-path commands for the ordering
// check.
type CommandClass uint8

const (
	// ClassOther is any command outside the guard's concern.
	ClassOther CommandClass = iota
	// ClassCharge spends flow budget for a pair.
	ClassCharge
	// ClassSend emits a message to a pair.
	ClassSend
)

// Command is one entry of an emission-path command sequence.
type Command struct {
	Class   CommandClass       `json:"class"`
	Context crypto.ContextId   `json:"context"`
	Peer    crypto.AuthorityId `json:"peer"`
	Name    string             `json:"name,omitempty"`
}

// VerifyChargeBeforeSend statically checks a command sequence: every
// send-class command must be preceded by its own charge-class command
// for the same (context, peer) pair. One charge covers exactly one
// send.
func VerifyChargeBeforeSend(commands []Command) error {
	pending := make(map[budgetKey]int)
	for i, cmd := range commands {
		key := budgetKey{Context: cmd.Context, Peer: cmd.Peer}
		switch cmd.Class {
		case ClassCharge:
			pending[key]++
		case ClassSend:
			if pending[key] == 0 {
				return fmt.Errorf("%w: command %d (%s) to peer %s", ErrUnguardedSend, i, cmd.Name, cmd.Peer)
			}
			pending[key]--
		}
	}
	return nil
}
