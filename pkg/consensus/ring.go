package consensus

import (
	"time"

	"github.com/fyrsmithlabs/concordd/pkg/protocol"
)

// maxConsecutiveMisses is the number of consecutive missed turns after which
// a participant is marked inactive and excluded from future rounds.
const maxConsecutiveMisses = 3

// ringMember pairs a participant with the first round it is eligible to
// speak in. Late joiners append with eligibility deferred to the next round.
type ringMember struct {
	participant  *protocol.Participant
	eligibleFrom int
}

// TokenRing enforces exclusive, ordered speaking turns for one session.
//
// Participants are ordered by join time into a fixed ring; entries are never
// removed. A cursor tracks the current holder. The ring holds no lock of its
// own: the owning coordinator serializes all calls under the session lock.
type TokenRing struct {
	members []*ringMember
	cursor  int
	round   int
	granted bool
}

// NewTokenRing builds a ring over the given participants in join order.
// Rounds are 1-based; the ring starts at round 1 with no token granted.
func NewTokenRing(participants []*protocol.Participant) *TokenRing {
	r := &TokenRing{round: 1}
	for _, p := range participants {
		r.members = append(r.members, &ringMember{participant: p, eligibleFrom: 1})
	}
	return r
}

// Append adds a late joiner to the end of the ring, eligible from the next
// round so the current traversal's order stays fixed.
func (r *TokenRing) Append(p *protocol.Participant) {
	r.members = append(r.members, &ringMember{participant: p, eligibleFrom: r.round + 1})
}

// Round returns the current 1-based round number. The round increments each
// time the cursor wraps past the end of the ring.
func (r *TokenRing) Round() int {
	return r.round
}

// ActiveCount returns the number of participants still eligible for turns.
func (r *TokenRing) ActiveCount() int {
	n := 0
	for _, m := range r.members {
		if m.participant.Active {
			n++
		}
	}
	return n
}

// Holder returns the participant currently holding the token, or nil if no
// token is granted.
func (r *TokenRing) Holder() *protocol.Participant {
	if !r.granted {
		return nil
	}
	return r.members[r.cursor].participant
}

// eligible reports whether the member at idx may speak in the current round.
func (r *TokenRing) eligible(idx int) bool {
	m := r.members[idx]
	return m.participant.Active && m.eligibleFrom <= r.round
}

// Grant gives the token to the participant at the cursor, skipping ineligible
// entries. Returns nil when no eligible participant remains. Calling Grant
// while a token is outstanding returns the current holder unchanged, so a
// re-entrant grant cannot mint a second token.
func (r *TokenRing) Grant() *protocol.Participant {
	if r.granted {
		return r.members[r.cursor].participant
	}
	if r.ActiveCount() == 0 {
		return nil
	}

	// Skip ineligible members, wrapping (and advancing the round) as needed.
	for !r.eligible(r.cursor) {
		if r.advanceCursor() && r.ActiveCount() == 0 {
			return nil
		}
	}

	holder := r.members[r.cursor].participant
	holder.HasToken = true
	r.granted = true
	return holder
}

// Release withdraws an outstanding token without advancing the cursor or
// charging a miss. Used when the session leaves DISCUSSING.
func (r *TokenRing) Release() {
	if !r.granted {
		return
	}
	r.members[r.cursor].participant.HasToken = false
	r.granted = false
}

// Resolve releases the outstanding token. contributed records whether the
// holder produced a contribution (explicit or implicit skips count as
// misses). After maxConsecutiveMisses consecutive misses the holder is
// marked inactive; prior contributions remain in the session record.
// Returns true when the cursor wrapped, completing a round.
func (r *TokenRing) Resolve(contributed bool) (wrapped bool) {
	if !r.granted {
		return false
	}

	holder := r.members[r.cursor].participant
	holder.HasToken = false
	r.granted = false

	if contributed {
		holder.MissedTurns = 0
		holder.LastSeen = time.Now().UTC()
	} else {
		holder.MissedTurns++
		if holder.MissedTurns >= maxConsecutiveMisses {
			holder.Active = false
		}
	}

	return r.advanceCursor()
}

// advanceCursor moves the cursor one slot, incrementing the round on wrap.
func (r *TokenRing) advanceCursor() (wrapped bool) {
	r.cursor++
	if r.cursor >= len(r.members) {
		r.cursor = 0
		r.round++
		return true
	}
	return false
}
