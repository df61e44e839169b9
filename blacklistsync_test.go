package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeBlacklistSource struct {
	entries []BlacklistEntry
	genTime int64
	err     error
}

func (f *fakeBlacklistSource) Fetch(threshold int) ([]BlacklistEntry, int64, error) {
	return f.entries, f.genTime, f.err
}

func newTestSyncer(t *testing.T, source BlacklistSource) (*BlacklistSyncer, *RecordStore) {
	t.Helper()
	rs := NewRecordStore(filepath.Join(t.TempDir(), "hostblock.dat"))
	require.NoError(t, rs.Load())
	se := NewScoringEngine(rs, 100, 0, 95) // abuse threshold above every test confidence score
	driver := NewFirewallDriver("HOSTBLOCK")
	rec, err := NewReconciler(driver, se, rs, "-s %i -j DROP", false)
	require.NoError(t, err)
	syncer := NewBlacklistSyncer(rs, rec, source, 90, 0)
	return syncer, rs
}

func TestBlacklistSyncAppendsNewEntries(t *testing.T) {
	source := &fakeBlacklistSource{entries: []BlacklistEntry{{Address: "203.0.113.1", ConfidenceScore: 50}}, genTime: 100}
	syncer, rs := newTestSyncer(t, source)

	require.NoError(t, syncer.Sync(1000))

	e, ok := rs.GetBlacklistEntry("203.0.113.1")
	require.True(t, ok)
	require.Equal(t, 50, e.ConfidenceScore)
}

func TestBlacklistSyncUpdatesExistingEntry(t *testing.T) {
	source := &fakeBlacklistSource{entries: []BlacklistEntry{{Address: "203.0.113.2", ConfidenceScore: 80}}, genTime: 100}
	syncer, rs := newTestSyncer(t, source)
	require.NoError(t, rs.AppendBlacklistEntry(&BlacklistEntry{Address: "203.0.113.2", ConfidenceScore: 10}))

	require.NoError(t, syncer.Sync(1000))

	e, ok := rs.GetBlacklistEntry("203.0.113.2")
	require.True(t, ok)
	require.Equal(t, 80, e.ConfidenceScore)
}

func TestBlacklistSyncRemovesEntriesNoLongerPresentRemotely(t *testing.T) {
	source := &fakeBlacklistSource{entries: nil, genTime: 100}
	syncer, rs := newTestSyncer(t, source)
	require.NoError(t, rs.AppendBlacklistEntry(&BlacklistEntry{Address: "203.0.113.3", ConfidenceScore: 10}))

	require.NoError(t, syncer.Sync(1000))

	_, ok := rs.GetBlacklistEntry("203.0.113.3")
	require.False(t, ok)
}

func TestBlacklistSyncPersistsMarker(t *testing.T) {
	source := &fakeBlacklistSource{entries: nil, genTime: 555}
	syncer, rs := newTestSyncer(t, source)

	require.NoError(t, syncer.Sync(1000))

	marker := rs.SyncMarker()
	require.Equal(t, int64(1000), marker.LocalSyncTime)
	require.Equal(t, int64(555), marker.RemoteGenTime)
}

// With interval <= 0, sync is never due regardless of elapsed time.
func TestBlacklistSyncerDueRespectsInterval(t *testing.T) {
	syncer, _ := newTestSyncer(t, &fakeBlacklistSource{})
	require.False(t, syncer.Due(1_000_000))
}

func TestBlacklistSyncerDueAfterIntervalElapses(t *testing.T) {
	rs := NewRecordStore(filepath.Join(t.TempDir(), "hostblock.dat"))
	require.NoError(t, rs.Load())
	se := NewScoringEngine(rs, 100, 0, 95)
	driver := NewFirewallDriver("HOSTBLOCK")
	rec, err := NewReconciler(driver, se, rs, "-s %i -j DROP", false)
	require.NoError(t, err)
	syncer := NewBlacklistSyncer(rs, rec, &fakeBlacklistSource{}, 90, 60*time.Second)

	require.True(t, syncer.Due(1000))
	require.NoError(t, rs.UpdateSyncMarker(1000, 900))
	require.False(t, syncer.Due(1030))
	require.True(t, syncer.Due(1061))
}

func TestBlacklistSyncFetchFailureAppliesBackoff(t *testing.T) {
	source := &fakeBlacklistSource{err: newError(KindProtocol, "boom", nil)}
	syncer, _ := newTestSyncer(t, source)

	err := syncer.Sync(1000)
	require.Error(t, err)
	require.Equal(t, int64(1000)+int64(blacklistSyncBackoff.Seconds()), syncer.nextAttempt)
}
