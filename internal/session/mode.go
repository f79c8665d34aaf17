package session

import "fmt"

// Mode is the single interpretation of an actor's next free-form input.
type Mode int

const (
	Idle Mode = iota
	CrudInput
	ClaimReply
	BroadcastCompose
	BroadcastConfirm
)

// ParkedNotice tells an admin that leaving ClaimReply kept the claim.
const ParkedNotice = "Your open claim is parked. Resume it from /claims."

func (m Mode) String() string {
	switch m {
	case Idle:
		return "idle"
	case CrudInput:
		return "crud_input"
	case ClaimReply:
		return "claim_reply"
	case BroadcastCompose:
		return "broadcast_compose"
	case BroadcastConfirm:
		return "broadcast_confirm"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// IsBroadcast reports whether m belongs to the broadcast track.
func (m Mode) IsBroadcast() bool { return m == BroadcastCompose || m == BroadcastConfirm }

// entry modes are reachable from Idle through Begin.
func (m Mode) entry() bool { return m == CrudInput || m == ClaimReply || m == BroadcastCompose }

// transitions lists the non-cancel edges. Every mode may also return to Idle
// through End.
var transitions = map[Mode][]Mode{
	Idle:             {CrudInput, ClaimReply, BroadcastCompose},
	CrudInput:        {Idle},
	ClaimReply:       {Idle, ClaimReply},
	BroadcastCompose: {BroadcastConfirm, Idle},
	BroadcastConfirm: {Idle},
}

// Allowed reports whether from -> to is an edge of the transition graph.
func Allowed(from, to Mode) bool {
	for _, m := range transitions[from] {
		if m == to {
			return true
		}
	}
	return false
}
