package main

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// newRootCmd builds the cobra command tree for hostblock's single
// binary, one flag per spec.md §6 mutually-exclusive primary action.
// Grounded on folbricht/routedns's cmd/routedns cobra usage
// (SPEC_FULL.md §2/§3); the teacher itself just uses flag.
func newRootCmd() *cobra.Command {
	var (
		configPath  string
		printConfig bool
		statistics  bool
		list        bool
		listActivity bool
		listConfidence bool
		listTimestamps bool
		blacklist   string
		whitelist   string
		remove      string
		daemon      bool
		syncBlacklist bool
	)

	cmd := &cobra.Command{
		Use:   "hostblock",
		Short: "Host-level intrusion prevention daemon",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			actions := 0
			for _, set := range []bool{printConfig, statistics, list, blacklist != "", whitelist != "", remove != "", daemon, syncBlacklist} {
				if set {
					actions++
				}
			}
			if actions > 1 {
				return newError(KindConfig, "only one primary action may be given at a time", nil)
			}

			switch {
			case printConfig:
				return runPrintConfig(configPath)
			case statistics:
				return runStatistics(configPath)
			case list:
				return runList(configPath, listActivity, listConfidence, listTimestamps)
			case blacklist != "":
				return runToggle(configPath, blacklist, true)
			case whitelist != "":
				return runToggle(configPath, whitelist, false)
			case remove != "":
				return runRemove(configPath, remove)
			case syncBlacklist:
				return runSyncBlacklist(configPath)
			case daemon:
				return runDaemon(configPath)
			default:
				return cmd.Help()
			}
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to the config file (overrides HOSTBLOCK_CONFIG)")
	cmd.Flags().BoolVarP(&printConfig, "print-config", "p", false, "Print effective config")
	cmd.Flags().BoolVarP(&statistics, "statistics", "s", false, "Print summary statistics")
	cmd.Flags().BoolVarP(&list, "list", "l", false, "List tracked addresses")
	cmd.Flags().BoolVarP(&listActivity, "activity", "a", false, "Include activity score/count in --list")
	cmd.Flags().BoolVarP(&listConfidence, "confidence", "c", false, "Include blacklist confidence in --list")
	cmd.Flags().BoolVarP(&listTimestamps, "timestamps", "t", false, "Include last-activity timestamps in --list")
	cmd.Flags().StringVarP(&blacklist, "blacklist", "b", "", "Toggle the blacklist flag for IP")
	cmd.Flags().StringVarP(&whitelist, "whitelist", "w", "", "Toggle the whitelist flag for IP")
	cmd.Flags().StringVarP(&remove, "remove", "r", "", "Remove the record and rule for IP")
	cmd.Flags().BoolVarP(&daemon, "daemon", "d", false, "Fork and run as a daemon")
	cmd.Flags().BoolVar(&syncBlacklist, "sync-blacklist", false, "Run a one-shot remote blacklist sync")

	return cmd
}

func loadConfigOrExit(configPath string) (*ValidatedConfig, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func runPrintConfig(configPath string) error {
	cfg, err := loadConfigOrExit(configPath)
	if err != nil {
		return err
	}
	fmt.Printf("datafile.path = %s\n", cfg.Global.DataFilePath)
	fmt.Printf("log.level = %s\n", cfg.Global.LogLevel)
	fmt.Printf("log.check.interval = %s\n", cfg.Global.LogCheckInterval)
	fmt.Printf("address.block.score = %d\n", cfg.Global.AddressBlockScore)
	fmt.Printf("address.block.multiplier = %d\n", cfg.Global.AddressBlockMultiplier)
	fmt.Printf("iptables.rules.block = %s\n", cfg.Global.IptablesRulesBlock)
	fmt.Printf("pidfile.path = %s\n", cfg.Global.PIDFilePath)
	fmt.Printf("socket.path = %s\n", cfg.Global.SocketPath)
	fmt.Printf("whitelist.path = %s\n", cfg.Global.WhitelistFilePath)
	for _, g := range cfg.Groups {
		fmt.Printf("[Log.%s] paths=%v activity_patterns=%d refused_patterns=%d\n", g.Name, g.Paths, len(g.Activity), len(g.Refused))
	}
	return nil
}

// withDaemonOrStore tries the control socket first, falling back to
// direct data-file access with a warning — the mechanism behind
// spec.md §6's "also deliver SIGUSR1 to a running daemon" generalized
// to a request/response protocol (SPEC_FULL.md §5).
func withDaemonOrStore(cfg *ValidatedConfig, cmd SocketCommand, offline func(store *RecordStore) error) error {
	if cfg.Global.SocketPath != "" {
		cmd.APIKey = cfg.Global.SocketAPIKey
		if resp, err := SendSocketCommand(cfg.Global.SocketPath, cmd); err == nil {
			if !resp.OK {
				return newError(KindProtocol, resp.Error, nil)
			}
			printSocketData(resp.Data)
			return nil
		}
	}
	logrus.Warn("hostblock: no running daemon reachable over the control socket; applying directly to the data file")
	store := NewRecordStore(cfg.Global.DataFilePath)
	if err := store.Load(); err != nil {
		return err
	}
	return offline(store)
}

func printSocketData(data interface{}) {
	if data == nil {
		return
	}
	fmt.Printf("%+v\n", data)
}

func runStatistics(configPath string) error {
	cfg, err := loadConfigOrExit(configPath)
	if err != nil {
		return err
	}
	return withDaemonOrStore(cfg, SocketCommand{Action: "stats"}, func(store *RecordStore) error {
		var s Stats
		for _, st := range store.All() {
			s.Tracked++
			if st.HasRule {
				s.RulesInstalled++
			}
			if st.Whitelisted {
				s.Whitelisted++
			}
			if st.Blacklisted {
				s.Blacklisted++
			}
		}
		fmt.Printf("%+v\n", s)
		return nil
	})
}

func runList(configPath string, showActivity, showConfidence, showTimestamps bool) error {
	cfg, err := loadConfigOrExit(configPath)
	if err != nil {
		return err
	}
	return withDaemonOrStore(cfg, SocketCommand{Action: "list"}, func(store *RecordStore) error {
		ips := store.All()
		sort.Slice(ips, func(i, j int) bool { return ips[i].Address < ips[j].Address })
		for _, st := range ips {
			line := st.Address
			if showActivity {
				line += fmt.Sprintf(" score=%d count=%d refused=%d", st.ActivityScore, st.ActivityCount, st.RefusedCount)
			}
			if showConfidence {
				if e, ok := store.GetBlacklistEntry(st.Address); ok {
					line += fmt.Sprintf(" confidence=%d", e.ConfidenceScore)
				}
			}
			if showTimestamps {
				line += fmt.Sprintf(" last_activity=%s", time.Unix(st.LastActivity, 0).UTC().Format(time.RFC3339))
			}
			fmt.Println(line)
		}
		return nil
	})
}

func runToggle(configPath, addr string, isBlacklist bool) error {
	cfg, err := loadConfigOrExit(configPath)
	if err != nil {
		return err
	}
	action := "whitelist"
	if isBlacklist {
		action = "blacklist"
	}

	store := NewRecordStore(cfg.Global.DataFilePath)
	if err := store.Load(); err != nil {
		return err
	}
	current := false
	if st, ok := store.Get(addr); ok {
		if isBlacklist {
			current = st.Blacklisted
		} else {
			current = st.Whitelisted
		}
	}
	desired := !current

	err = withDaemonOrStore(cfg, SocketCommand{Action: action, Address: addr, Value: desired}, func(store *RecordStore) error {
		scoring := NewScoringEngine(store, cfg.Global.AddressBlockScore, cfg.Global.AddressBlockMultiplier, cfg.Global.AbuseBlockScore)
		if isBlacklist {
			return scoring.SetBlacklisted(addr, desired)
		}
		return scoring.SetWhitelisted(addr, desired)
	})
	if err != nil {
		return err
	}
	return SignalRunningDaemon(cfg.Global.PIDFilePath)
}

func runRemove(configPath, addr string) error {
	cfg, err := loadConfigOrExit(configPath)
	if err != nil {
		return err
	}
	err = withDaemonOrStore(cfg, SocketCommand{Action: "remove", Address: addr}, func(store *RecordStore) error {
		if _, ok := store.Get(addr); ok {
			scoring := NewScoringEngine(store, cfg.Global.AddressBlockScore, cfg.Global.AddressBlockMultiplier, cfg.Global.AbuseBlockScore)
			reconciler, err := NewReconciler(NewFirewallDriver("HOSTBLOCK"), scoring, store, cfg.Global.IptablesRulesBlock, cfg.Global.InsertAtHead)
			if err != nil {
				return err
			}
			// has_rule is not persisted, so the rule is withdrawn unconditionally.
			reconciler.converge(addr, ShouldNotHaveRule, true)
		}
		return store.RemoveIP(addr)
	})
	if err != nil {
		return err
	}
	return SignalRunningDaemon(cfg.Global.PIDFilePath)
}

func runSyncBlacklist(configPath string) error {
	cfg, err := loadConfigOrExit(configPath)
	if err != nil {
		return err
	}
	err = withDaemonOrStore(cfg, SocketCommand{Action: "sync-blacklist"}, func(store *RecordStore) error {
		if cfg.Global.AbuseAPIURL == "" || cfg.Global.AbuseAPIKey == "" {
			return newError(KindConfig, "abuseipdb.api.url/abuseipdb.api.key not configured", nil)
		}
		client := NewAbuseIPDBClient(cfg.Global.AbuseAPIURL, cfg.Global.AbuseAPIKey)
		scoring := NewScoringEngine(store, cfg.Global.AddressBlockScore, cfg.Global.AddressBlockMultiplier, cfg.Global.AbuseBlockScore)
		driver := NewFirewallDriver("HOSTBLOCK")
		reconciler, err := NewReconciler(driver, scoring, store, cfg.Global.IptablesRulesBlock, cfg.Global.InsertAtHead)
		if err != nil {
			return err
		}
		syncer := NewBlacklistSyncer(store, reconciler, client, cfg.Global.AbuseBlockScore, cfg.Global.AbuseBlacklistInterval)
		return syncer.Sync(unixNow())
	})
	return err
}

func runDaemon(configPath string) error {
	if os.Getenv("HOSTBLOCK_FOREGROUND") == "" {
		return forkDaemon(configPath)
	}

	cfg, err := loadConfigOrExit(configPath)
	if err != nil {
		return err
	}
	if err := ConfigureLogging(cfg.Global.LogLevel, cfg.Global.LogSyslogAddr); err != nil {
		return err
	}

	sup, err := NewSupervisor(configPath)
	if err != nil {
		return err
	}
	return sup.Run()
}

func forkDaemon(configPath string) error {
	exe, err := os.Executable()
	if err != nil {
		return newError(KindIO, "resolve executable path", err)
	}
	args := []string{"--daemon"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), "HOSTBLOCK_FOREGROUND=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return newError(KindSubprocess, "fork daemon", err)
	}
	fmt.Printf("hostblock daemon started with pid %d\n", cmd.Process.Pid)
	return nil
}
