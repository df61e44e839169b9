package main

import "time"

// IpState is the per-address record described in spec.md §3.
type IpState struct {
	Address        string
	LastActivity   int64 // unix seconds
	ActivityScore  uint64
	ActivityCount  uint64
	RefusedCount   uint64
	Whitelisted    bool
	Blacklisted    bool
	LastReported   int64 // unix seconds, 0 if never reported

	// HasRule is transient: true iff a matching firewall rule was
	// observed in the last reconciliation. Never persisted (spec.md §3).
	HasRule bool
}

// LogFileBookmark tracks how much of a log file has been consumed.
type LogFileBookmark struct {
	Path     string
	Bookmark int64
	Size     int64
}

// BlacklistEntry is a remote reputation list record.
type BlacklistEntry struct {
	Address         string
	TotalReports    int
	ConfidenceScore int // 0-100

	// HasRule is transient, same meaning as IpState.HasRule.
	HasRule bool
}

// SyncMarker records when the local blacklist was last refreshed and
// the remote generation timestamp it was refreshed from.
type SyncMarker struct {
	LocalSyncTime  int64
	RemoteGenTime  int64
}

// DesiredState is what the scoring engine wants the firewall to look
// like for one address (spec.md §4.4 "Outputs").
type DesiredState int

const (
	ShouldNotHaveRule DesiredState = iota
	ShouldHaveRule
)

func unixNow() int64 { return time.Now().Unix() }
