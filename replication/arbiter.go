package replication

import (
	"fmt"
	"log"
	"time"

	"github.com/automoto/grabsync/shared/netconfig"
	"github.com/automoto/grabsync/shared/protocol"
)

// Outbox queues reliable intents for the next flush.
type Outbox interface {
	Reliable(m protocol.Message)
}

// Arbiter runs the grab state machine of one object on one participant. It
// never decides ownership itself: the authority's grants, denials and
// release confirmations are the only way into or out of a confirmed state.
type Arbiter struct {
	object         netconfig.ObjectID
	self           netconfig.ParticipantID
	replica        *Replica
	out            Outbox
	logger         *log.Logger
	grabTimeout    time.Duration
	releaseTimeout time.Duration

	state        netconfig.OwnershipState
	owner        netconfig.ParticipantID
	pendingSince time.Duration
	abandoned    bool
}

type ArbiterConfig struct {
	Self           netconfig.ParticipantID
	GrabTimeout    time.Duration
	ReleaseTimeout time.Duration
	Logger         *log.Logger
}

func NewArbiter(replica *Replica, out Outbox, cfg ArbiterConfig) *Arbiter {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Arbiter{
		object:         replica.ID(),
		self:           cfg.Self,
		replica:        replica,
		out:            out,
		logger:         logger,
		grabTimeout:    cfg.GrabTimeout,
		releaseTimeout: cfg.ReleaseTimeout,
	}
}

func (a *Arbiter) State() netconfig.OwnershipState { return a.state }

// Owner is the participant believed to hold the object, or NoParticipant.
func (a *Arbiter) Owner() netconfig.ParticipantID { return a.owner }

// Abandoned reports whether a pending grab was cancelled locally.
func (a *Arbiter) Abandoned() bool { return a.abandoned }

// RequestGrab optimistically takes the object and asks the authority for it.
func (a *Arbiter) RequestGrab(now time.Duration) error {
	if a.state != netconfig.Free {
		return fmt.Errorf("grab object %d from %s: %w", a.object, a.state, ErrInvalidTransition)
	}
	a.state = netconfig.PendingSelf
	a.pendingSince = now
	a.abandoned = false
	a.replica.beginLocalAuthority(now)
	a.out.Reliable(protocol.GrabRequest{
		ObjectID:    a.object,
		Requester:   a.self,
		RequestTime: uint32(now.Milliseconds()),
	})
	return nil
}

// RequestRelease gives up an owned object.
func (a *Arbiter) RequestRelease(now time.Duration) error {
	if a.state != netconfig.OwnedSelf {
		return fmt.Errorf("release object %d from %s: %w", a.object, a.state, ErrInvalidTransition)
	}
	a.state = netconfig.PendingRelease
	a.pendingSince = now
	a.out.Reliable(protocol.ReleaseRequest{ObjectID: a.object, Requester: a.self})
	return nil
}

// Abandon cancels local interest. A pending grab still waits for the
// authority's answer; if that turns out to be a grant the object is released
// straight away. An owned object is released.
func (a *Arbiter) Abandon(now time.Duration) error {
	switch a.state {
	case netconfig.PendingSelf:
		a.abandoned = true
		return nil
	case netconfig.OwnedSelf:
		return a.RequestRelease(now)
	default:
		return nil
	}
}

// HandleGrant applies the authority's announcement that owner holds the object.
func (a *Arbiter) HandleGrant(owner netconfig.ParticipantID, now time.Duration) {
	if owner == netconfig.NoParticipant {
		a.logger.Printf("[arbiter] object %d: ignoring grant without owner", a.object)
		return
	}
	a.replica.setConfirmedOwner(owner)

	if owner != a.self {
		switch a.state {
		case netconfig.PendingSelf:
			a.replica.rollbackLocal()
		case netconfig.OwnedSelf, netconfig.PendingRelease:
			a.logger.Printf("[arbiter] object %d: ownership moved to participant %d", a.object, owner)
			a.replica.handOff(now)
		}
		a.abandoned = false
		a.setState(netconfig.OwnedOther, owner)
		return
	}

	switch a.state {
	case netconfig.PendingSelf:
		a.setState(netconfig.OwnedSelf, a.self)
		if a.abandoned {
			a.abandoned = false
			_ = a.RequestRelease(now)
		}
	case netconfig.OwnedSelf, netconfig.PendingRelease:
		// duplicate
	default:
		// granted after we stopped waiting; hand it straight back
		a.logger.Printf("[arbiter] object %d: late grant in state %s, releasing", a.object, a.state)
		a.replica.beginLocalAuthority(now)
		a.setState(netconfig.OwnedSelf, a.self)
		_ = a.RequestRelease(now)
	}
}

// HandleDeny applies a refused grab. owner is the current holder, if any.
func (a *Arbiter) HandleDeny(owner netconfig.ParticipantID, now time.Duration) {
	if a.state != netconfig.PendingSelf {
		a.logger.Printf("[arbiter] object %d: ignoring deny in state %s", a.object, a.state)
		return
	}
	a.replica.rollbackLocal()
	a.abandoned = false
	if owner != netconfig.NoParticipant && owner != a.self {
		a.replica.setConfirmedOwner(owner)
		a.setState(netconfig.OwnedOther, owner)
		return
	}
	a.setState(netconfig.Free, netconfig.NoParticipant)
}

// HandleReleaseConfirm applies the authority's announcement that the object
// is free. It confirms our own release, or reports a remote release or
// reassignment.
func (a *Arbiter) HandleReleaseConfirm(releaser netconfig.ParticipantID, now time.Duration) {
	switch a.state {
	case netconfig.PendingRelease:
		a.replica.handOff(now)
	case netconfig.OwnedSelf:
		if releaser != a.self {
			a.logger.Printf("[arbiter] object %d: ignoring release by %d while owned", a.object, releaser)
			return
		}
		a.logger.Printf("[arbiter] object %d: released by authority", a.object)
		a.replica.handOff(now)
	case netconfig.PendingSelf:
		// our grab is still queued at the authority and will be answered
		return
	case netconfig.Free:
		return
	}
	a.replica.setConfirmedOwner(netconfig.NoParticipant)
	a.setState(netconfig.Free, netconfig.NoParticipant)
}

// Tick expires pending requests. A grab that times out reverts to Free; a
// release that times out is finalized locally.
func (a *Arbiter) Tick(now time.Duration) {
	switch a.state {
	case netconfig.PendingSelf:
		if now-a.pendingSince >= a.grabTimeout {
			a.logger.Printf("[arbiter] object %d: grab timed out after %s", a.object, now-a.pendingSince)
			a.replica.rollbackLocal()
			a.abandoned = false
			a.setState(netconfig.Free, netconfig.NoParticipant)
		}
	case netconfig.PendingRelease:
		if now-a.pendingSince >= a.releaseTimeout {
			a.logger.Printf("[arbiter] object %d: release unconfirmed after %s, releasing locally", a.object, now-a.pendingSince)
			a.replica.handOff(now)
			a.setState(netconfig.Free, netconfig.NoParticipant)
		}
	}
}

// Reset forces a state without messaging, used when joining with a known
// owner table.
func (a *Arbiter) Reset(owner netconfig.ParticipantID) {
	a.replica.setConfirmedOwner(owner)
	switch owner {
	case netconfig.NoParticipant:
		a.setState(netconfig.Free, owner)
	case a.self:
		// resumed after reconnecting with the same identity
		a.setState(netconfig.OwnedSelf, owner)
		a.replica.beginLocalAuthority(0)
	default:
		a.setState(netconfig.OwnedOther, owner)
	}
}

func (a *Arbiter) setState(s netconfig.OwnershipState, owner netconfig.ParticipantID) {
	a.state = s
	a.owner = owner
}
