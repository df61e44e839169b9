package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newSocketSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	rs := NewRecordStore(filepath.Join(t.TempDir(), "hostblock.dat"))
	require.NoError(t, rs.Load())
	se := NewScoringEngine(rs, 10, 0, 90)
	driver := NewFirewallDriver("HOSTBLOCK")
	rec, err := NewReconciler(driver, se, rs, "-s %i -j DROP", false)
	require.NoError(t, err)
	return &Supervisor{Store: rs, Scoring: se, Reconciler: rec, Queue: NewReportQueue()}
}

func TestDispatchSocketCommandStats(t *testing.T) {
	sup := newSocketSupervisor(t)
	require.NoError(t, sup.Store.AppendIP(&IpState{Address: "203.0.113.1", Blacklisted: true}))

	resp := dispatchSocketCommand(SocketCommand{Action: "stats"}, sup)
	require.True(t, resp.OK)
	stats, ok := resp.Data.(Stats)
	require.True(t, ok)
	require.Equal(t, 1, stats.Tracked)
	require.Equal(t, 1, stats.Blacklisted)
}

func TestDispatchSocketCommandUnknownAction(t *testing.T) {
	sup := newSocketSupervisor(t)
	resp := dispatchSocketCommand(SocketCommand{Action: "nonsense"}, sup)
	require.False(t, resp.OK)
}

func TestDispatchSocketCommandRemove(t *testing.T) {
	sup := newSocketSupervisor(t)
	require.NoError(t, sup.Store.AppendIP(&IpState{Address: "203.0.113.2"}))

	resp := dispatchSocketCommand(SocketCommand{Action: "remove", Address: "203.0.113.2"}, sup)
	require.True(t, resp.OK)
	_, ok := sup.Store.Get("203.0.113.2")
	require.False(t, ok)
}

func TestDispatchSocketCommandRemoveUnknownAddress(t *testing.T) {
	sup := newSocketSupervisor(t)
	resp := dispatchSocketCommand(SocketCommand{Action: "remove", Address: "203.0.113.3"}, sup)
	require.False(t, resp.OK)
}

func TestSignalRunningDaemonMissingPidFileIsNoop(t *testing.T) {
	require.NoError(t, SignalRunningDaemon(filepath.Join(t.TempDir(), "nonexistent.pid")))
}
