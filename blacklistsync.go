package main

import (
	"time"

	"github.com/sirupsen/logrus"
)

// BlacklistSource is the remote reputation list collaborator. A real
// implementation fetches abuseipdb.api.url; it's out of the core per
// spec.md §1, same boundary as ReportClient.
type BlacklistSource interface {
	Fetch(threshold int) (entries []BlacklistEntry, remoteGenTime int64, err error)
}

// blacklistSyncBackoff is the fixed deferment applied after a failed
// sync attempt, "on the order of minutes" per spec.md §4.8.
const blacklistSyncBackoff = 5 * time.Minute

// BlacklistSyncer periodically refreshes the remote reputation list
// and diffs it against the persisted blacklist (spec.md §4.8). No
// teacher analogue exists; grounded on the diff-then-apply shape of
// the teacher's blockIP/blockSubnet (check membership, mutate map,
// call firewall, persist), generalized to three-way set diffing.
type BlacklistSyncer struct {
	store       *RecordStore
	reconciler  *Reconciler
	source      BlacklistSource
	threshold   int
	interval    time.Duration
	nextAttempt int64
}

func NewBlacklistSyncer(store *RecordStore, reconciler *Reconciler, source BlacklistSource, threshold int, interval time.Duration) *BlacklistSyncer {
	return &BlacklistSyncer{store: store, reconciler: reconciler, source: source, threshold: threshold, interval: interval}
}

// Due reports whether a sync should run now, per spec.md §4.8's
// cadence rule.
func (s *BlacklistSyncer) Due(now int64) bool {
	if s.interval <= 0 {
		return false
	}
	if now < s.nextAttempt {
		return false
	}
	marker := s.store.SyncMarker()
	return now-marker.LocalSyncTime >= int64(s.interval.Seconds())
}

// Sync runs the fetch/validate/diff/apply/persist sequence of spec.md
// §4.8. A fetch failure defers the next attempt by blacklistSyncBackoff
// rather than the normal cadence.
func (s *BlacklistSyncer) Sync(now int64) error {
	remote, genTime, err := s.source.Fetch(s.threshold)
	if err != nil {
		s.nextAttempt = now + int64(blacklistSyncBackoff.Seconds())
		return newError(KindProtocol, "fetch remote blacklist", err)
	}

	marker := s.store.SyncMarker()
	if genTime <= marker.RemoteGenTime {
		logrus.Warnf("hostblock: remote blacklist generation time %d is not newer than persisted %d, proceeding anyway", genTime, marker.RemoteGenTime)
	}

	remoteMap := make(map[string]BlacklistEntry, len(remote))
	for _, e := range remote {
		remoteMap[e.Address] = e
	}
	local := s.store.AllBlacklistEntries()
	localSet := make(map[string]struct{}, len(local))
	for _, e := range local {
		localSet[e.Address] = struct{}{}
	}

	var toAppend, toUpdate, toRemove []BlacklistEntry
	for addr, e := range remoteMap {
		if _, ok := localSet[addr]; ok {
			toUpdate = append(toUpdate, e)
		} else {
			toAppend = append(toAppend, e)
		}
	}
	for _, e := range local {
		if _, ok := remoteMap[e.Address]; !ok {
			toRemove = append(toRemove, *e)
		}
	}

	for _, e := range toUpdate {
		e := e
		if err := s.store.UpdateBlacklistEntry(e.Address, func(le *BlacklistEntry) {
			le.TotalReports = e.TotalReports
			le.ConfidenceScore = e.ConfidenceScore
		}); err != nil {
			logrus.Errorf("hostblock: updating blacklist entry %s: %v", e.Address, err)
			continue
		}
		s.reconciler.Reconcile(e.Address, now)
	}
	for _, e := range toRemove {
		s.reconciler.ReconcileBlacklistRemoval(e.Address, e.HasRule, now)
		if err := s.store.RemoveBlacklistEntry(e.Address); err != nil {
			logrus.Errorf("hostblock: removing blacklist entry %s: %v", e.Address, err)
			continue
		}
	}
	for _, e := range toAppend {
		e := e
		if err := s.store.AppendBlacklistEntry(&e); err != nil {
			logrus.Errorf("hostblock: appending blacklist entry %s: %v", e.Address, err)
			continue
		}
		s.reconciler.Reconcile(e.Address, now)
	}

	return s.store.UpdateSyncMarker(now, genTime)
}
