package claim

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownMessage is returned for claim buttons pointing at no inbound message.
	ErrUnknownMessage = errors.New("claim: unknown message")
	ErrNotOwner       = errors.New("claim: owned by another admin")
	ErrClosed         = errors.New("claim: already closed")
)

// AlreadyClaimedError reports the existing owner of a message. Nothing was
// written when it is returned.
type AlreadyClaimedError struct {
	ClaimID   int64
	MessageID int64
	OwnerID   int64
	Owner     string
}

func (e *AlreadyClaimedError) Error() string {
	return fmt.Sprintf("claim: message #%d already claimed by %s", e.MessageID, e.Owner)
}

// OwnedBy reports whether adminID is the owner, i.e. the press is a resume.
func (e *AlreadyClaimedError) OwnedBy(adminID int64) bool { return e.OwnerID == adminID }
