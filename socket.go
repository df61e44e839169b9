package main

import (
	"encoding/json"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// SocketCommand is the JSON request shape sent over the Unix control
// socket. Directly adapted from the teacher's socket.go/client.go
// (net.Listen("unix", ...), JSON-encoded Message request/response,
// optional API-key gate), regeneralized onto hostblock's command set
// per SPEC_FULL.md §5.
type SocketCommand struct {
	Action  string `json:"action"`
	Address string `json:"address,omitempty"`
	Value   bool   `json:"value,omitempty"`
	APIKey  string `json:"api_key,omitempty"`
}

// SocketResponse is the JSON reply. Data is action-specific: a list of
// *IpState for "list", a Stats for "stats", empty otherwise.
type SocketResponse struct {
	OK    bool        `json:"ok"`
	Error string      `json:"error,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// Stats is the --statistics payload (spec.md §6).
type Stats struct {
	Tracked       int `json:"tracked"`
	RulesInstalled int `json:"rules_installed"`
	Blacklisted   int `json:"blacklisted"`
	Whitelisted   int `json:"whitelisted"`
	QueueDepth    int `json:"queue_depth"`
}

// ServeSocket listens on path and dispatches commands against sup
// until the listener is closed. Runs in its own goroutine; errors
// after a successful Listen are logged, not fatal.
func ServeSocket(path string, apiKey string, sup *Supervisor) (net.Listener, error) {
	os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, newError(KindIO, "listen on socket "+path, err)
	}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go handleSocketConn(conn, apiKey, sup)
		}
	}()
	return l, nil
}

func handleSocketConn(conn net.Conn, apiKey string, sup *Supervisor) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	var cmd SocketCommand
	if err := json.NewDecoder(conn).Decode(&cmd); err != nil {
		logrus.Debugf("hostblock: decoding socket command: %v", err)
		return
	}
	if apiKey != "" && cmd.APIKey != apiKey {
		writeSocketResponse(conn, SocketResponse{OK: false, Error: "unauthorized"})
		return
	}
	writeSocketResponse(conn, dispatchSocketCommand(cmd, sup))
}

func writeSocketResponse(conn net.Conn, resp SocketResponse) {
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		logrus.Debugf("hostblock: writing socket response: %v", err)
	}
}

func dispatchSocketCommand(cmd SocketCommand, sup *Supervisor) SocketResponse {
	switch cmd.Action {
	case "list":
		return SocketResponse{OK: true, Data: sup.Store.All()}
	case "stats":
		return SocketResponse{OK: true, Data: buildStats(sup)}
	case "whitelist":
		if err := sup.Scoring.SetWhitelisted(cmd.Address, cmd.Value); err != nil {
			return SocketResponse{OK: false, Error: err.Error()}
		}
		sup.Reconciler.Reconcile(cmd.Address, unixNow())
		return SocketResponse{OK: true}
	case "blacklist":
		if err := sup.Scoring.SetBlacklisted(cmd.Address, cmd.Value); err != nil {
			return SocketResponse{OK: false, Error: err.Error()}
		}
		sup.Reconciler.Reconcile(cmd.Address, unixNow())
		return SocketResponse{OK: true}
	case "remove":
		if st, ok := sup.Store.Get(cmd.Address); ok && st.HasRule {
			sup.Reconciler.converge(cmd.Address, ShouldNotHaveRule, true)
		}
		if err := sup.Store.RemoveIP(cmd.Address); err != nil {
			return SocketResponse{OK: false, Error: err.Error()}
		}
		return SocketResponse{OK: true}
	case "sync-blacklist":
		if sup.Syncer == nil {
			return SocketResponse{OK: false, Error: "blacklist sync is not configured"}
		}
		if err := sup.Syncer.Sync(unixNow()); err != nil {
			return SocketResponse{OK: false, Error: err.Error()}
		}
		return SocketResponse{OK: true}
	default:
		return SocketResponse{OK: false, Error: "unknown action: " + cmd.Action}
	}
}

func buildStats(sup *Supervisor) Stats {
	var s Stats
	for _, st := range sup.Store.All() {
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
	s.QueueDepth = sup.Queue.Len()
	return s
}

// SendSocketCommand is the client side: used by CLI actions to talk to
// a running daemon instead of re-reading the data file cold.
func SendSocketCommand(path string, cmd SocketCommand) (*SocketResponse, error) {
	conn, err := net.DialTimeout("unix", path, 500*time.Millisecond)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if err := json.NewEncoder(conn).Encode(cmd); err != nil {
		return nil, err
	}
	var resp SocketResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SignalRunningDaemon delivers SIGUSR1 to the daemon named by pidPath,
// implementing spec.md §6's "toggle operations ... also deliver
// SIGUSR1 to a running daemon if the PID file indicates one."
func SignalRunningDaemon(pidPath string) error {
	raw, err := os.ReadFile(pidPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return newError(KindIO, "read pid file", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return newError(KindIO, "parse pid file", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return newError(KindIO, "find daemon process", err)
	}
	if err := proc.Signal(syscall.SIGUSR1); err != nil {
		return newError(KindIO, "signal daemon process", err)
	}
	return nil
}
