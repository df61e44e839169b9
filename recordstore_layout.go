package main

// Field widths for the fixed-width binary record format (spec.md §4.1).
// Named here so mutation helpers work from a single source of truth
// instead of magic offsets scattered through recordstore.go (spec.md
// §9's design note on file-position arithmetic).
const (
	tagWidth        = 1
	addrWidth       = 39
	timestampWidth  = 20
	scoreWidth      = 10
	countWidth      = 10
	refusedWidth    = 10
	flagWidth       = 1
	bookmarkWidth   = 20
	sizeWidth       = 20
	totalReportsWidth = 10
	confScoreWidth  = 3

	// ipRecordBodyLen is the length of a 'd' record body (without tag
	// or trailing LF): addr+last_act+score+count+refused+wl+bl+last_rep.
	ipRecordBodyLen = addrWidth + timestampWidth + scoreWidth + countWidth + refusedWidth + flagWidth + flagWidth + timestampWidth
	// ipRecordLen is the full on-disk length of a 'd' record including
	// the tag byte but not the trailing LF: 112 bytes per spec.md §4.1.
	ipRecordLen = tagWidth + ipRecordBodyLen

	// ipRecordLegacyLen is the 92-byte legacy layout some 'd'
	// records in the wild still use (spec.md §9 Open Question): it
	// drops last_reported, which migrates to zero on load.
	ipRecordLegacyLen = ipRecordLen - timestampWidth

	blacklistRecordBodyLen = addrWidth + totalReportsWidth + confScoreWidth
	blacklistRecordLen     = tagWidth + blacklistRecordBodyLen

	syncRecordBodyLen = timestampWidth + timestampWidth
	syncRecordLen     = tagWidth + syncRecordBodyLen

	// bookmarkHeaderLen is the fixed numeric prefix of a 'b' record
	// (bookmark+size) before the variable-width path.
	bookmarkHeaderLen = bookmarkWidth + sizeWidth

	// minSkipBytes is the 41-byte minimum skip for a non-'d' record
	// in a byte-offset scanner. recordstore.go's scanLines reads every
	// record whole up to its LF, so no scan uses this constant.
	minSkipBytes = tagWidth + addrWidth + 1

	tagIPState    = 'd'
	tagBookmark   = 'b'
	tagBlacklist  = 'a'
	tagSyncMarker = 's'
	tagTombstone  = 'r'

	maxTombstonesBeforeCompact = 100
	lockRetries                = 3
	lockRetryDelayMS           = 500

	// maxPersistedCounterValue is the largest value a scoreWidth/
	// countWidth/refusedWidth (10-digit) field can hold: 10 nines.
	// ActivityScore/ActivityCount/RefusedCount saturate here rather
	// than at the full uint64 range, since a value any larger would
	// overflow its fixed-width slot and corrupt the following byte of
	// the next on-disk record when patched in place.
	maxPersistedCounterValue = 9_999_999_999
)
