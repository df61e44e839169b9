package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// Family selects which packet-filter binary a driver call targets.
type Family int

const (
	FamilyV4 Family = iota
	FamilyV6
)

// FirewallDriver is a thin argv-exec layer over iptables/ip6tables
// (spec.md §4.6). Directly grounded on the teacher's rules.go
// (setupFirewallTable/addBlockRule/removeBlockRule/flushFirewallTable),
// kept on os/exec argv slices rather than shell string composition per
// spec.md §9's explicit design note — shell metacharacters in a regex
// capture group must never reach a shell.
type FirewallDriver struct {
	Chain      string
	BinaryV4   string
	BinaryV6   string
	Table      string
}

func NewFirewallDriver(chain string) *FirewallDriver {
	return &FirewallDriver{Chain: chain, BinaryV4: "iptables", BinaryV6: "ip6tables", Table: "filter"}
}

func (d *FirewallDriver) binary(family Family) string {
	if family == FamilyV6 {
		return d.BinaryV6
	}
	return d.BinaryV4
}

// requirePrivileged refuses to operate as a non-privileged user, per
// spec.md §4.6.
func requirePrivileged() error {
	if os.Geteuid() != 0 {
		return newError(KindSubprocess, "firewall driver requires privileged (root) execution", nil)
	}
	return nil
}

func (d *FirewallDriver) run(family Family, args []string) (string, error) {
	if err := requirePrivileged(); err != nil {
		return "", err
	}
	cmd := exec.Command(d.binary(family), args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return string(out), newError(KindSubprocess,
				fmt.Sprintf("%s exited %d: %s", d.binary(family), exitErr.ExitCode(), strings.TrimSpace(string(out))), err)
		}
		return string(out), newError(KindSubprocess, "exec "+d.binary(family), err)
	}
	return string(out), nil
}

// NewChain creates the managed chain. An "already exists" failure is
// returned like any other error. FullReconcile does not call it.
func (d *FirewallDriver) NewChain(family Family) error {
	_, err := d.run(family, []string{"-t", d.Table, "-N", d.Chain})
	return err
}

// Append adds ruleFields to the end of the managed chain.
func (d *FirewallDriver) Append(family Family, ruleFields []string) error {
	args := append([]string{"-t", d.Table, "-A", d.Chain}, ruleFields...)
	_, err := d.run(family, args)
	return err
}

// Insert adds ruleFields at position (1-based) in the managed chain.
func (d *FirewallDriver) Insert(family Family, position int, ruleFields []string) error {
	args := append([]string{"-t", d.Table, "-I", d.Chain, strconv.Itoa(position)}, ruleFields...)
	_, err := d.run(family, args)
	return err
}

// Remove deletes the first rule in the managed chain matching
// ruleFields.
func (d *FirewallDriver) Remove(family Family, ruleFields []string) error {
	args := append([]string{"-t", d.Table, "-D", d.Chain}, ruleFields...)
	_, err := d.run(family, args)
	return err
}

// ListRules returns the managed chain's rules as an ordered sequence
// of rule strings (one per -A line from iptables-save-style listing).
func (d *FirewallDriver) ListRules(family Family) ([]string, error) {
	out, err := d.run(family, []string{"-t", d.Table, "-S", d.Chain})
	if err != nil {
		return nil, err
	}
	var rules []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "-A") {
			continue
		}
		rules = append(rules, line)
	}
	return rules, nil
}

// Command is the free-form escape hatch spec.md §4.6 requires for
// operations the above don't name (e.g. flushing the chain).
func (d *FirewallDriver) Command(family Family, args []string) (string, error) {
	return d.run(family, args)
}
