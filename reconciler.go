package main

import (
	"net"
	"strings"

	"github.com/sirupsen/logrus"
)

// Reconciler converges the installed packet-filter chain with the
// scoring engine's decisions (spec.md §4.5). New relative to the
// teacher, which never reads back live iptables state — it only
// tracks what it itself appended/removed in memory
// (parseExistingRules/applyBlockList are the closest shape: list
// current rules, diff against memory, converge); generalized here to
// the has_rule/desired_state model spec.md §4.4/§4.5 requires,
// tolerating manual or third-party chain edits.
type Reconciler struct {
	driver       *FirewallDriver
	scoring      *ScoringEngine
	store        *RecordStore
	prefix       string
	suffix       string
	insertAtHead bool
}

func splitTemplate(template string) (prefix, suffix string, err error) {
	idx := strings.Index(template, "%i")
	if idx < 0 {
		return "", "", newError(KindConfig, "rule template missing %i", nil)
	}
	return template[:idx], template[idx+2:], nil
}

func NewReconciler(driver *FirewallDriver, scoring *ScoringEngine, store *RecordStore, template string, insertAtHead bool) (*Reconciler, error) {
	prefix, suffix, err := splitTemplate(template)
	if err != nil {
		return nil, err
	}
	return &Reconciler{driver: driver, scoring: scoring, store: store, prefix: prefix, suffix: suffix, insertAtHead: insertAtHead}, nil
}

func addressFamily(addr string) Family {
	ip := net.ParseIP(addr)
	if ip != nil && ip.To4() != nil {
		return FamilyV4
	}
	return FamilyV6
}

// extractAddress implements spec.md §4.5's rule-template matching: a
// rule matches iff it contains both the prefix and suffix substrings
// with an IP-shaped token between them.
func (r *Reconciler) extractAddress(rule string) (string, bool) {
	pi := strings.Index(rule, r.prefix)
	if pi < 0 {
		return "", false
	}
	rest := rule[pi+len(r.prefix):]
	si := strings.Index(rest, r.suffix)
	if si < 0 {
		return "", false
	}
	candidate := strings.TrimSpace(rest[:si])
	if net.ParseIP(candidate) == nil {
		return "", false
	}
	return candidate, true
}

func (r *Reconciler) ruleFieldsFor(addr string) []string {
	return strings.Fields(r.prefix + addr + r.suffix)
}

// FullReconcile implements spec.md §4.5's startup/config-change pass:
// list live rules, mark ownership, warn on orphans and duplicates,
// then converge every known record against its desired state.
func (r *Reconciler) FullReconcile(now int64) {
	observed := map[string]int{}
	for _, family := range []Family{FamilyV4, FamilyV6} {
		rules, err := r.driver.ListRules(family)
		if err != nil {
			logrus.Errorf("hostblock: listing firewall rules: %v", err)
			continue
		}
		for _, rule := range rules {
			addr, ok := r.extractAddress(rule)
			if !ok {
				continue
			}
			observed[addr]++
		}
	}

	for addr, count := range observed {
		if count > 1 {
			logrus.Warnf("hostblock: %d duplicate firewall rules for %s, not auto-removing", count, addr)
		}
		_, hasIP := r.store.Get(addr)
		_, hasBL := r.store.GetBlacklistEntry(addr)
		switch {
		case hasIP:
			r.store.MarkIPHasRule(addr, true)
		case hasBL:
			r.store.MarkBlacklistHasRule(addr, true)
		default:
			logrus.Warnf("hostblock: firewall rule for %s is not owned by any record, leaving it alone", addr)
		}
	}

	for _, st := range r.store.All() {
		desired := r.scoring.DesiredState(st.Address, now)
		r.converge(st.Address, desired, st.HasRule)
	}
	for _, e := range r.store.AllBlacklistEntries() {
		desired := r.scoring.DesiredStateForBlacklistEntry(e)
		r.converge(e.Address, desired, e.HasRule)
	}
}

// Reconcile is the incremental form: called once per match, computing
// the desired state for a single address and issuing at most one
// driver call (spec.md §4.5).
func (r *Reconciler) Reconcile(addr string, now int64) {
	st, hasIP := r.store.Get(addr)
	entry, hasBL := r.store.GetBlacklistEntry(addr)

	if !hasIP && !hasBL {
		return
	}

	desired := ShouldNotHaveRule
	hasRule := false
	if hasIP {
		desired = r.scoring.DesiredState(addr, now)
		hasRule = st.HasRule
	}
	if hasBL {
		if r.scoring.DesiredStateForBlacklistEntry(entry) == ShouldHaveRule {
			desired = ShouldHaveRule
		}
		if !hasIP {
			hasRule = entry.HasRule
		}
	}
	r.converge(addr, desired, hasRule)
}

func (r *Reconciler) converge(addr string, desired DesiredState, hasRule bool) {
	family := addressFamily(addr)
	switch {
	case desired == ShouldHaveRule && !hasRule:
		var err error
		if r.insertAtHead {
			err = r.driver.Insert(family, 1, r.ruleFieldsFor(addr))
		} else {
			err = r.driver.Append(family, r.ruleFieldsFor(addr))
		}
		if err != nil {
			logrus.Errorf("hostblock: failed to install rule for %s: %v", addr, err)
			return
		}
		r.markHasRule(addr, true)
	case desired == ShouldNotHaveRule && hasRule:
		if err := r.driver.Remove(family, r.ruleFieldsFor(addr)); err != nil {
			logrus.Errorf("hostblock: failed to remove rule for %s: %v", addr, err)
			return
		}
		r.markHasRule(addr, false)
	}
}

// ReconcileBlacklistRemoval withdraws addr's firewall rule when a
// blacklist entry is being dropped from the remote list (spec.md §4.8
// step 4: "for each removed address, call the firewall reconciler so
// the rule is withdrawn"). It must run before the entry is deleted
// from the store — once deleted, Reconcile's early-return for
// addresses in neither the IP map nor the blacklist would leave the
// rule installed forever. The entry's own confidence_score plays no
// part in the decision here: the remote no longer vouches for it at
// all, so only a surviving IpState can still justify keeping a rule.
func (r *Reconciler) ReconcileBlacklistRemoval(addr string, entryHadRule bool, now int64) {
	st, hasIP := r.store.Get(addr)
	desired := ShouldNotHaveRule
	hasRule := entryHadRule
	if hasIP {
		desired = r.scoring.DesiredState(addr, now)
		hasRule = st.HasRule
	}
	r.converge(addr, desired, hasRule)
}

func (r *Reconciler) markHasRule(addr string, val bool) {
	r.store.MarkIPHasRule(addr, val)
	r.store.MarkBlacklistHasRule(addr, val)
}

// MigrateTemplate implements spec.md §4.5's template-migration pass:
// on a rule-template configuration change, delete every rule matching
// the old template and re-add it under the new one.
func (r *Reconciler) MigrateTemplate(oldTemplate string) {
	oldPrefix, oldSuffix, err := splitTemplate(oldTemplate)
	if err != nil {
		logrus.Errorf("hostblock: invalid previous rule template, skipping migration: %v", err)
		return
	}

	for _, family := range []Family{FamilyV4, FamilyV6} {
		rules, err := r.driver.ListRules(family)
		if err != nil {
			logrus.Errorf("hostblock: listing firewall rules for template migration: %v", err)
			continue
		}
		for _, rule := range rules {
			pi := strings.Index(rule, oldPrefix)
			if pi < 0 {
				continue
			}
			rest := rule[pi+len(oldPrefix):]
			si := strings.Index(rest, oldSuffix)
			if si < 0 {
				continue
			}
			addr := strings.TrimSpace(rest[:si])
			if net.ParseIP(addr) == nil {
				continue
			}

			oldFields := strings.Fields(oldPrefix + addr + oldSuffix)
			if err := r.driver.Remove(family, oldFields); err != nil {
				logrus.Errorf("hostblock: failed to remove old-template rule for %s: %v", addr, err)
				continue
			}
			if r.insertAtHead {
				err = r.driver.Insert(family, 1, r.ruleFieldsFor(addr))
			} else {
				err = r.driver.Append(family, r.ruleFieldsFor(addr))
			}
			if err != nil {
				logrus.Errorf("hostblock: failed to re-add rule for %s under new template: %v", addr, err)
			}
		}
	}
}
