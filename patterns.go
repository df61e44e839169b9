package main

import (
	"fmt"
	"regexp"
	"strings"
)

// ReportPolicy is the tri-valued reporting override spec.md §4.2
// describes: a pattern, a log group, and the global default each carry
// one, and the effective value is computed by layered override.
type ReportPolicy int

const (
	ReportInherit ReportPolicy = iota
	ReportForceOn
	ReportForceOff
)

// ReportOverride bundles the three reporting controls a pattern, a log
// group, or the global config can each independently set. The *Set
// flags distinguish "not specified here, inherit" from "specified as
// empty, which disables at this level" — spec.md §4.2 calls this out
// explicitly for comment templates and we apply it uniformly to
// categories too.
type ReportOverride struct {
	Policy          ReportPolicy
	Categories      []string
	CategoriesSet   bool
	Comment         string
	CommentSet      bool
}

func effectivePolicy(global, group, pattern ReportPolicy) ReportPolicy {
	if pattern != ReportInherit {
		return pattern
	}
	if group != ReportInherit {
		return group
	}
	return global
}

func effectiveCategories(global, group, pattern ReportOverride) []string {
	if pattern.CategoriesSet {
		return pattern.Categories
	}
	if group.CategoriesSet {
		return group.Categories
	}
	return global.Categories
}

func effectiveComment(global, group, pattern ReportOverride) (string, bool) {
	if pattern.CommentSet {
		return pattern.Comment, pattern.Comment != ""
	}
	if group.CommentSet {
		return group.Comment, group.Comment != ""
	}
	return global.Comment, global.Comment != ""
}

// shouldReport resolves the three-layer override to a single decision.
// A policy that never resolves past ReportInherit defaults to "don't
// report" — only an explicit force-on anywhere in the stack enables it.
func shouldReport(global, group, pattern ReportOverride) bool {
	return effectivePolicy(global.Policy, group.Policy, pattern.Policy) == ReportForceOn
}

// Pattern is a compiled operator regex with %i/%p placeholders replaced
// by named capture groups, plus the per-pattern score and reporting
// overrides (spec.md §4.2). Grounded on the teacher's rules.go, which
// hardcodes a single phpUrlRegex capture-group convention for one log
// format; here the same idea is generalized to operator-supplied
// patterns across arbitrary log formats.
type Pattern struct {
	Raw      string
	Compiled *regexp.Regexp
	Score    int
	Report   ReportOverride

	ipGroup   int
	portGroup int
}

const (
	ipPlaceholder   = "%i"
	portPlaceholder = "%p"
)

// ipCapture matches IPv4 dotted-quad at minimum and widens to accept
// IPv6 colon-hex forms, per spec.md §4.2's "implementations may widen".
const ipCapture = `(?P<hostblock_ip>(?:\d{1,3}\.){3}\d{1,3}|[0-9A-Fa-f:]+)`
const portCapture = `(?P<hostblock_port>\d{1,5})`

// CompilePattern turns a raw operator string into a Pattern. The raw
// string must contain exactly one %i and at most one %p; everything
// else is treated as a literal regex fragment authored by the
// operator, matched case-insensitively against the full line.
func CompilePattern(raw string, score int, report ReportOverride) (*Pattern, error) {
	if strings.Count(raw, ipPlaceholder) != 1 {
		return nil, newError(KindConfig, fmt.Sprintf("pattern %q must contain exactly one %%i", raw), nil)
	}
	if strings.Count(raw, portPlaceholder) > 1 {
		return nil, newError(KindConfig, fmt.Sprintf("pattern %q must contain at most one %%p", raw), nil)
	}

	expanded := strings.Replace(raw, ipPlaceholder, ipCapture, 1)
	hasPort := strings.Contains(expanded, portPlaceholder)
	if hasPort {
		expanded = strings.Replace(expanded, portPlaceholder, portCapture, 1)
	}

	full := "(?i)^" + expanded + "$"
	compiled, err := regexp.Compile(full)
	if err != nil {
		return nil, newError(KindRegex, fmt.Sprintf("compiling pattern %q", raw), err)
	}

	p := &Pattern{
		Raw:       raw,
		Compiled:  compiled,
		Score:     score,
		Report:    report,
		ipGroup:   compiled.SubexpIndex("hostblock_ip"),
		portGroup: -1,
	}
	if hasPort {
		p.portGroup = compiled.SubexpIndex("hostblock_port")
	}
	return p, nil
}

// Match runs the pattern against one line. ok is false on no match;
// otherwise ip is always populated and port is "" if the pattern has
// no %p.
func (p *Pattern) Match(line string) (ip string, port string, ok bool) {
	groups := p.Compiled.FindStringSubmatch(line)
	if groups == nil {
		return "", "", false
	}
	ip = groups[p.ipGroup]
	if p.portGroup >= 0 && p.portGroup < len(groups) {
		port = groups[p.portGroup]
	}
	return ip, port, true
}

// PatternSet is every compiled pattern for one log group, split into
// the suspicious-activity class and the refused-connection class
// (spec.md §4.3's "edge cases": a line may match one of each, but the
// loop breaks on first match within each class).
type PatternSet struct {
	Activity []*Pattern
	Refused  []*Pattern
}

// MatchFirst returns the first pattern in the slice that matches line,
// honoring spec.md §4.3's "the loop breaks on first match within a
// pattern class."
func MatchFirst(patterns []*Pattern, line string) (p *Pattern, ip, port string) {
	for _, pat := range patterns {
		if gotIP, gotPort, ok := pat.Match(line); ok {
			return pat, gotIP, gotPort
		}
	}
	return nil, "", ""
}
