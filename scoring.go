package main

import (
	"github.com/sirupsen/logrus"
)

// ScoringEngine holds the decaying per-IP score arithmetic and the
// block predicate (spec.md §4.4). Grounded on the teacher's
// process_log_entry.go/logmonitor.go AccessRecord counters — a flat,
// non-decaying hit count guarded by a map mutex — generalized here
// into the saturating decay-and-amplify model spec.md requires.
type ScoringEngine struct {
	store *RecordStore

	blockScore      int // S: activity_score_to_block
	multiplier      int // M: keep_blocked_score_multiplier
	abuseBlockScore int // abuseipdb_block_score
}

func NewScoringEngine(store *RecordStore, blockScore, multiplier, abuseBlockScore int) *ScoringEngine {
	return &ScoringEngine{store: store, blockScore: blockScore, multiplier: multiplier, abuseBlockScore: abuseBlockScore}
}

// saturateAddU64 caps at maxPersistedCounterValue, not the full uint64
// range: ActivityScore/ActivityCount/RefusedCount are all written into
// fixed-width 10-digit decimal fields (recordstore_layout.go), and a
// value that needed an 11th digit would silently overwrite the
// following byte on disk.
func saturateAddU64(a, b uint64) uint64 {
	if a >= maxPersistedCounterValue {
		return maxPersistedCounterValue
	}
	remaining := uint64(maxPersistedCounterValue) - a
	if b > remaining {
		return maxPersistedCounterValue
	}
	return a + b
}

// applyScore implements the shared decay/amplify/add arithmetic of
// spec.md §4.4's suspicious-activity and refused-connection rules.
// When M=0 the decay step degenerates to a no-op and amplified == s,
// matching "skip the decay step and add s directly." activityDelta/
// refusedDelta are the per-call counter increments the caller wants
// applied to an existing record (0 or 1, per spec.md §3's "cumulative
// matches against suspicious-activity/refused-connection patterns" —
// a refused match must never bump activity_count and vice versa,
// mirroring the original's saveActivity(ip, score, 1, 0) /
// (ip, score, 0, 1) call shapes).
func (se *ScoringEngine) applyScore(st *IpState, s int, now int64, existed bool, activityDelta, refusedDelta uint64) {
	if se.multiplier > 0 && st.ActivityScore > 0 {
		dt := now - st.LastActivity
		if dt > 0 {
			d := uint64(dt)
			if d > st.ActivityScore {
				st.ActivityScore = 0
			} else {
				st.ActivityScore -= d
			}
		}
	}

	var amplified uint64
	if se.multiplier > 0 {
		amplified = uint64(s) * uint64(se.multiplier)
	} else {
		amplified = uint64(s)
	}
	st.ActivityScore = saturateAddU64(st.ActivityScore, amplified)
	st.LastActivity = now

	if existed {
		st.ActivityCount = saturateAddU64(st.ActivityCount, activityDelta)
		st.RefusedCount = saturateAddU64(st.RefusedCount, refusedDelta)
	} else {
		st.ActivityCount = activityDelta
		st.RefusedCount = refusedDelta
	}
}

// MatchActivity records one suspicious-activity hit of raw score s for
// addr and returns the resulting desired firewall state.
func (se *ScoringEngine) MatchActivity(addr string, s int, now int64) (DesiredState, error) {
	_, existed := se.store.Get(addr)
	var desired DesiredState
	err := se.store.UpdateIP(addr, func(st *IpState) {
		se.applyScore(st, s, now, existed, 1, 0)
		desired = se.desiredState(st, now)
	})
	return desired, err
}

// MatchRefused records one refused-connection hit. Per spec.md §4.4
// and the glossary, a refused match never creates the very first
// hostblock-visible mention of an address: it's dropped (with a
// warning) unless the address already appears in the IP map or the
// persisted blacklist.
func (se *ScoringEngine) MatchRefused(addr string, s int, now int64) (desired DesiredState, applied bool, err error) {
	_, existsIP := se.store.Get(addr)
	if !existsIP {
		if _, existsBL := se.store.GetBlacklistEntry(addr); !existsBL {
			logrus.Warnf("hostblock: dropping refused-connection match for unknown address %s", addr)
			return ShouldNotHaveRule, false, nil
		}
	}
	err = se.store.UpdateIP(addr, func(st *IpState) {
		se.applyScore(st, s, now, existsIP, 0, 1)
		desired = se.desiredState(st, now)
	})
	return desired, true, err
}

// desiredState is the single block-predicate decision function
// (spec.md §4.4). Whitelist always wins; blacklist always requires a
// rule; otherwise the M>0 grace-window formula or the M=0 threshold
// comparison decides.
func (se *ScoringEngine) desiredState(st *IpState, now int64) DesiredState {
	if st.Whitelisted {
		return ShouldNotHaveRule
	}
	if st.Blacklisted {
		return ShouldHaveRule
	}

	if se.multiplier > 0 {
		S := int64(se.blockScore)
		M := int64(se.multiplier)
		score := int64(st.ActivityScore)
		if score > 0 && st.LastActivity+score > S*M && now < (st.LastActivity+score)-S*M {
			return ShouldHaveRule
		}
		return ShouldNotHaveRule
	}

	if int64(st.ActivityScore) >= int64(se.blockScore) {
		return ShouldHaveRule
	}
	return ShouldNotHaveRule
}

// DesiredState recomputes the block predicate for addr as of now,
// without recording a new match — used by the reconciler's full pass
// and by rule expiry.
func (se *ScoringEngine) DesiredState(addr string, now int64) DesiredState {
	st, ok := se.store.Get(addr)
	if !ok {
		return ShouldNotHaveRule
	}
	return se.desiredState(st, now)
}

// DesiredStateForBlacklistEntry implements spec.md §4.4's extra clause:
// any remote-blacklist address whose confidence_score meets the
// configured threshold requires a rule independent of its IpState.
func (se *ScoringEngine) DesiredStateForBlacklistEntry(e *BlacklistEntry) DesiredState {
	if e.ConfidenceScore >= se.abuseBlockScore {
		return ShouldHaveRule
	}
	return ShouldNotHaveRule
}

// SetWhitelisted and SetBlacklisted implement the manual toggle CLI
// actions (spec.md §6 -w/-b), clearing the other flag per I2.
func (se *ScoringEngine) SetWhitelisted(addr string, value bool) error {
	return se.store.UpdateIP(addr, func(st *IpState) {
		st.Whitelisted = value
		if value {
			st.Blacklisted = false
		}
	})
}

func (se *ScoringEngine) SetBlacklisted(addr string, value bool) error {
	return se.store.UpdateIP(addr, func(st *IpState) {
		st.Blacklisted = value
		if value {
			st.Whitelisted = false
		}
	})
}
