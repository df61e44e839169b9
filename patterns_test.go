package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompilePatternRequiresExactlyOneIPPlaceholder(t *testing.T) {
	_, err := CompilePattern("no placeholder here", 1, ReportOverride{})
	require.Error(t, err)

	_, err = CompilePattern("%i and %i twice", 1, ReportOverride{})
	require.Error(t, err)
}

func TestCompilePatternRejectsMultiplePortPlaceholders(t *testing.T) {
	_, err := CompilePattern("from %i port %p and %p", 1, ReportOverride{})
	require.Error(t, err)
}

func TestPatternMatchExtractsIPAndPort(t *testing.T) {
	p, err := CompilePattern(`Failed password for root from %i port %p ssh2`, 5, ReportOverride{})
	require.NoError(t, err)

	ip, port, ok := p.Match("Failed password for root from 203.0.113.9 port 51515 ssh2")
	require.True(t, ok)
	require.Equal(t, "203.0.113.9", ip)
	require.Equal(t, "51515", port)
}

func TestPatternMatchWithoutPortPlaceholder(t *testing.T) {
	p, err := CompilePattern(`refused connect from %i`, 3, ReportOverride{})
	require.NoError(t, err)

	ip, port, ok := p.Match("refused connect from 198.51.100.2")
	require.True(t, ok)
	require.Equal(t, "198.51.100.2", ip)
	require.Empty(t, port)
}

func TestPatternMatchIsCaseInsensitiveAndAnchored(t *testing.T) {
	p, err := CompilePattern(`FAILED login from %i`, 1, ReportOverride{})
	require.NoError(t, err)

	_, _, ok := p.Match("failed login from 203.0.113.1")
	require.True(t, ok)

	_, _, ok = p.Match("prefix failed login from 203.0.113.1")
	require.False(t, ok)
}

func TestMatchFirstBreaksOnFirstMatch(t *testing.T) {
	p1, err := CompilePattern(`one %i`, 1, ReportOverride{})
	require.NoError(t, err)
	p2, err := CompilePattern(`.*%i.*`, 2, ReportOverride{})
	require.NoError(t, err)

	pat, ip, _ := MatchFirst([]*Pattern{p1, p2}, "one 203.0.113.1")
	require.Same(t, p1, pat)
	require.Equal(t, "203.0.113.1", ip)
}

func TestMatchFirstNoMatch(t *testing.T) {
	p1, err := CompilePattern(`one %i`, 1, ReportOverride{})
	require.NoError(t, err)

	pat, _, _ := MatchFirst([]*Pattern{p1}, "nothing matches here")
	require.Nil(t, pat)
}

func TestShouldReportPatternOverridesGroupAndGlobal(t *testing.T) {
	global := ReportOverride{Policy: ReportForceOn}
	group := ReportOverride{Policy: ReportForceOff}
	pattern := ReportOverride{Policy: ReportForceOn}
	require.True(t, shouldReport(global, group, pattern))

	pattern2 := ReportOverride{Policy: ReportInherit}
	require.False(t, shouldReport(global, group, pattern2))
}

func TestShouldReportDefaultsToFalseWhenNeverSet(t *testing.T) {
	require.False(t, shouldReport(ReportOverride{}, ReportOverride{}, ReportOverride{}))
}

func TestEffectiveCategoriesFallsThroughLayers(t *testing.T) {
	global := ReportOverride{Categories: []string{"18"}}
	group := ReportOverride{}
	pattern := ReportOverride{}
	require.Equal(t, []string{"18"}, effectiveCategories(global, group, pattern))

	group.CategoriesSet = true
	group.Categories = []string{"22"}
	require.Equal(t, []string{"22"}, effectiveCategories(global, group, pattern))

	pattern.CategoriesSet = true
	pattern.Categories = []string{"14"}
	require.Equal(t, []string{"14"}, effectiveCategories(global, group, pattern))
}
