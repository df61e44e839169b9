package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *RecordStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hostblock.dat")
	rs := NewRecordStore(path)
	require.NoError(t, rs.Load())
	return rs
}

func TestRecordStoreAppendGetRoundtrip(t *testing.T) {
	rs := newTestStore(t)

	st := &IpState{Address: "203.0.113.5", LastActivity: 100, ActivityScore: 5, ActivityCount: 1}
	require.NoError(t, rs.AppendIP(st))

	got, ok := rs.Get("203.0.113.5")
	require.True(t, ok)
	require.Equal(t, uint64(5), got.ActivityScore)

	// Reload from disk into a fresh store and confirm the record survived.
	reloaded := NewRecordStore(rs.path)
	require.NoError(t, reloaded.Load())
	got, ok = reloaded.Get("203.0.113.5")
	require.True(t, ok)
	require.Equal(t, int64(100), got.LastActivity)
}

func TestRecordStoreUpdateThenReload(t *testing.T) {
	rs := newTestStore(t)
	require.NoError(t, rs.AppendIP(&IpState{Address: "198.51.100.9", ActivityScore: 1}))

	require.NoError(t, rs.UpdateIP("198.51.100.9", func(st *IpState) {
		st.ActivityScore = 42
		st.Blacklisted = true
	}))

	reloaded := NewRecordStore(rs.path)
	require.NoError(t, reloaded.Load())
	st, ok := reloaded.Get("198.51.100.9")
	require.True(t, ok)
	require.Equal(t, uint64(42), st.ActivityScore)
	require.True(t, st.Blacklisted)
}

func TestRecordStoreUpdateCreatesWhenAbsent(t *testing.T) {
	rs := newTestStore(t)
	require.NoError(t, rs.UpdateIP("192.0.2.77", func(st *IpState) {
		st.ActivityScore = 7
	}))
	st, ok := rs.Get("192.0.2.77")
	require.True(t, ok)
	require.Equal(t, uint64(7), st.ActivityScore)
}

// P3: removing an address twice fails the second time.
func TestRecordStoreRemoveTwiceFails(t *testing.T) {
	rs := newTestStore(t)
	require.NoError(t, rs.AppendIP(&IpState{Address: "203.0.113.99"}))
	require.NoError(t, rs.RemoveIP("203.0.113.99"))
	require.Error(t, rs.RemoveIP("203.0.113.99"))

	_, ok := rs.Get("203.0.113.99")
	require.False(t, ok)
}

// A tombstoned record must not resurface on reload.
func TestRecordStoreTombstoneSurvivesReload(t *testing.T) {
	rs := newTestStore(t)
	require.NoError(t, rs.AppendIP(&IpState{Address: "203.0.113.100"}))
	require.NoError(t, rs.RemoveIP("203.0.113.100"))

	reloaded := NewRecordStore(rs.path)
	require.NoError(t, reloaded.Load())
	_, ok := reloaded.Get("203.0.113.100")
	require.False(t, ok)
	require.Empty(t, reloaded.All())
}

func TestRecordStoreAppendDuplicateFails(t *testing.T) {
	rs := newTestStore(t)
	require.NoError(t, rs.AppendIP(&IpState{Address: "203.0.113.200"}))
	require.Error(t, rs.AppendIP(&IpState{Address: "203.0.113.200"}))
}

// I2: whitelist wins over blacklist when both are set on load.
func TestRecordStoreWhitelistWinsOnLoad(t *testing.T) {
	rs := newTestStore(t)
	require.NoError(t, rs.AppendIP(&IpState{Address: "203.0.113.7", Whitelisted: true}))
	require.NoError(t, rs.UpdateIP("203.0.113.7", func(st *IpState) { st.Blacklisted = true }))

	reloaded := NewRecordStore(rs.path)
	require.NoError(t, reloaded.Load())
	st, ok := reloaded.Get("203.0.113.7")
	require.True(t, ok)
	require.True(t, st.Whitelisted)
	require.False(t, st.Blacklisted)
}

func TestRecordStoreBlacklistEntryRoundtrip(t *testing.T) {
	rs := newTestStore(t)
	require.NoError(t, rs.AppendBlacklistEntry(&BlacklistEntry{Address: "198.51.100.50", TotalReports: 3, ConfidenceScore: 90}))

	reloaded := NewRecordStore(rs.path)
	require.NoError(t, reloaded.Load())
	e, ok := reloaded.GetBlacklistEntry("198.51.100.50")
	require.True(t, ok)
	require.Equal(t, 90, e.ConfidenceScore)
}

func TestRecordStoreBookmarkUpdateGrowsPastPatch(t *testing.T) {
	rs := newTestStore(t)
	require.NoError(t, rs.UpdateBookmark("/var/log/auth.log", 10, 100))
	require.NoError(t, rs.UpdateBookmark("/var/log/auth.log", 20, 200))

	b, ok := rs.GetBookmark("/var/log/auth.log")
	require.True(t, ok)
	require.Equal(t, int64(20), b.Bookmark)

	reloaded := NewRecordStore(rs.path)
	require.NoError(t, reloaded.Load())
	b, ok = reloaded.GetBookmark("/var/log/auth.log")
	require.True(t, ok)
	require.Equal(t, int64(200), b.Size)
}

func TestRecordStoreSyncMarkerLastOneWins(t *testing.T) {
	rs := newTestStore(t)
	require.NoError(t, rs.UpdateSyncMarker(100, 90))
	require.NoError(t, rs.UpdateSyncMarker(200, 190))

	reloaded := NewRecordStore(rs.path)
	require.NoError(t, reloaded.Load())
	sm := reloaded.SyncMarker()
	require.Equal(t, int64(200), sm.LocalSyncTime)
	require.Equal(t, int64(190), sm.RemoteGenTime)
}
