package main

import (
	"bufio"
	"net"
	"os"
	"strings"
)

// Whitelist holds individually-parsed addresses and CIDR ranges loaded
// from a flat file, one entry per line. Directly adapted from the
// teacher's whitelist.go (net.ParseIP/net.ParseCIDR, comment-skipping
// scanner); generalized per SPEC_FULL.md §5 to also accept CIDR
// ranges, not just single addresses.
type Whitelist struct {
	addrs map[string]struct{}
	nets  []*net.IPNet
}

func NewWhitelist() *Whitelist {
	return &Whitelist{addrs: make(map[string]struct{})}
}

// LoadWhitelistFile parses path, skipping blank lines and lines
// starting with '#'. It's not an error for the file to be missing —
// an empty whitelist is the default posture.
func LoadWhitelistFile(path string) (*Whitelist, error) {
	w := NewWhitelist()
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return w, nil
	}
	if err != nil {
		return nil, newError(KindIO, "open whitelist file "+path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.Contains(line, "/") {
			_, ipNet, err := net.ParseCIDR(line)
			if err != nil {
				return nil, newError(KindConfig, "invalid whitelist CIDR: "+line, err)
			}
			w.nets = append(w.nets, ipNet)
			continue
		}
		if net.ParseIP(line) == nil {
			return nil, newError(KindConfig, "invalid whitelist address: "+line, nil)
		}
		w.addrs[line] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, newError(KindIO, "read whitelist file", err)
	}
	return w, nil
}

// Contains reports whether addr is individually listed or falls inside
// a whitelisted CIDR range.
func (w *Whitelist) Contains(addr string) bool {
	if _, ok := w.addrs[addr]; ok {
		return true
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, n := range w.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ApplyWhitelist marks every address in w as IpState.Whitelisted in
// the store, called once after config/whitelist reload so matches
// against already-known addresses see the flag without waiting for the
// next match.
func ApplyWhitelist(store *RecordStore, w *Whitelist) error {
	for _, st := range store.All() {
		if w.Contains(st.Address) && !st.Whitelisted {
			if err := store.UpdateIP(st.Address, func(s *IpState) {
				s.Whitelisted = true
				s.Blacklisted = false
			}); err != nil {
				return err
			}
		}
	}
	return nil
}
