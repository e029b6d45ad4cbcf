package replication

import (
	"time"

	"github.com/automoto/grabsync/shared/netconfig"
)

// ClockSync maps each sender's millisecond session clock onto the local
// clock. The offset is the smallest arrival-minus-sent difference seen, i.e.
// the least delayed packet, so jitter only ever makes samples look older.
type ClockSync struct {
	offsets map[netconfig.ParticipantID]clockEntry
}

type clockEntry struct {
	offset   time.Duration
	lastSeen time.Duration
}

func NewClockSync() *ClockSync {
	return &ClockSync{offsets: make(map[netconfig.ParticipantID]clockEntry)}
}

// Observe records a packet arrival and returns the sender time on the local
// clock.
func (c *ClockSync) Observe(sender netconfig.ParticipantID, sentAtMillis uint32, arrival time.Duration) time.Duration {
	sent := time.Duration(sentAtMillis) * time.Millisecond
	offset := arrival - sent
	e, ok := c.offsets[sender]
	if !ok || offset < e.offset {
		e.offset = offset
	}
	e.lastSeen = arrival
	c.offsets[sender] = e
	return sent + e.offset
}

// Prune forgets senders not heard from since before cutoff. Participants
// that left stop sending, and one that comes back has its offset relearned.
func (c *ClockSync) Prune(cutoff time.Duration) int {
	n := 0
	for sender, e := range c.offsets {
		if e.lastSeen < cutoff {
			delete(c.offsets, sender)
			n++
		}
	}
	return n
}

func (c *ClockSync) Len() int { return len(c.offsets) }
