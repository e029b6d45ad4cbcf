// Package netconfig defines lightweight identifiers and enums shared between
// client and authority. It must stay free of transport and storage
// dependencies so both binaries can import it.
package netconfig

// ObjectID identifies one replicated object. It is fixed-width on the wire.
type ObjectID uint32

// ParticipantID identifies a connected participant. Zero means "nobody".
type ParticipantID uint32

const NoParticipant ParticipantID = 0

// OwnershipState is the local view of who may manipulate an object.
type OwnershipState int32

const (
	Free           OwnershipState = iota // Nobody holds the object
	PendingSelf                          // Grab sent, awaiting the authority
	OwnedSelf                            // Authority granted us the object
	OwnedOther                           // Another participant holds the object
	PendingRelease                       // Release sent, awaiting confirmation
)

var ownershipNames = map[OwnershipState]string{
	Free:           "free",
	PendingSelf:    "pending-self",
	OwnedSelf:      "owned-self",
	OwnedOther:     "owned-other",
	PendingRelease: "pending-release",
}

func (s OwnershipState) String() string {
	if name, ok := ownershipNames[s]; ok {
		return name
	}
	return "unknown"
}

// LocallyAuthoritative reports whether a replica in this state runs local
// simulation for its object.
func (s OwnershipState) LocallyAuthoritative() bool {
	return s == PendingSelf || s == OwnedSelf || s == PendingRelease
}
