// Package match implements partner selection for the waitrooms and the
// optional peer-to-peer RTT probe that gates a match before a game is
// created.
package match

import "github.com/crowdlab/session-engine/internal/domain/model"

// Matchmaker selects partners for an arriving candidate. Implementations
// are pure functions of their inputs: they never mutate the waiting list
// and return either exactly groupSize-1 partners or nil.
type Matchmaker interface {
	FindMatch(arriving model.WaitingEntry, waiting []model.WaitingEntry, groupSize int) []model.WaitingEntry
}

// FIFO matches the oldest compatible waiters, in queue order.
type FIFO struct{}

func (FIFO) FindMatch(arriving model.WaitingEntry, waiting []model.WaitingEntry, groupSize int) []model.WaitingEntry {
	return pick(arriving, waiting, groupSize, func(model.WaitingEntry) bool { return true })
}

// LatencyAware is the FIFO matchmaker with a server-RTT pre-filter. The
// P2P threshold is not consulted here; it gates the probe result
// downstream via ShouldRejectForRTT.
type LatencyAware struct {
	MaxServerRTTMs int // sum filter over arriving+partner; 0 disables
	MaxP2PRTTMs    int // probe gate; 0 disables
}

func (m LatencyAware) FindMatch(arriving model.WaitingEntry, waiting []model.WaitingEntry, groupSize int) []model.WaitingEntry {
	if m.MaxServerRTTMs <= 0 {
		return pick(arriving, waiting, groupSize, func(model.WaitingEntry) bool { return true })
	}
	// A candidate without a measurement can never satisfy the filter.
	if arriving.RTTMillis == model.RTTUnknown {
		return nil
	}
	return pick(arriving, waiting, groupSize, func(p model.WaitingEntry) bool {
		return p.RTTMillis != model.RTTUnknown && arriving.RTTMillis+p.RTTMillis <= m.MaxServerRTTMs
	})
}

// ShouldRejectForRTT reports whether a probe outcome disqualifies the pair.
// measured=false means the probe timed out or failed.
func (m LatencyAware) ShouldRejectForRTT(rttMillis int, measured bool) bool {
	return ShouldRejectForRTT(m.MaxP2PRTTMs, rttMillis, measured)
}

// ShouldRejectForRTT is the bare gate shared by matchmaker variants and
// the game manager.
func ShouldRejectForRTT(maxP2PMs, rttMillis int, measured bool) bool {
	if maxP2PMs <= 0 {
		return false
	}
	return !measured || rttMillis > maxP2PMs
}

// pick walks the queue in arrival order collecting eligible partners.
// Partners must agree with the arriving candidate on the required group
// key; everything else is delegated to the variant's filter.
func pick(arriving model.WaitingEntry, waiting []model.WaitingEntry, groupSize int, eligible func(model.WaitingEntry) bool) []model.WaitingEntry {
	need := groupSize - 1
	if need <= 0 {
		return nil
	}

	partners := make([]model.WaitingEntry, 0, need)
	for _, p := range waiting {
		if p.SubjectID == arriving.SubjectID {
			continue
		}
		if p.RequiredGroupKey != arriving.RequiredGroupKey {
			continue
		}
		if !eligible(p) {
			continue
		}
		partners = append(partners, p)
		if len(partners) == need {
			return partners
		}
	}
	return nil
}
