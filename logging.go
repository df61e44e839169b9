package main

import (
	"fmt"

	"github.com/RackSec/srslog"
	"github.com/sirupsen/logrus"
)

// srslogHook adapts an srslog.Writer to logrus.Hook. The stdlib-backed
// logrus/hooks/syslog package isn't in the dependency pack; srslog is
// (it's how folbricht/routedns pairs logrus with a syslog sink), so
// the few lines of glue live here instead.
type srslogHook struct {
	writer *srslog.Writer
}

func (h *srslogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *srslogHook) Fire(entry *logrus.Entry) error {
	line, err := entry.String()
	if err != nil {
		return err
	}
	switch entry.Level {
	case logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel:
		return h.writer.Err(line)
	case logrus.WarnLevel:
		return h.writer.Warning(line)
	case logrus.DebugLevel, logrus.TraceLevel:
		return h.writer.Debug(line)
	default:
		return h.writer.Info(line)
	}
}

// ConfigureLogging sets up the global logrus logger from the parsed
// log.level / log.syslog config keys. Grounded on the teacher's
// debug/verbose log.Printf booleans, generalized to logrus per
// SPEC_FULL.md §2 — most operational messages stay at Debug, rule
// matches and block/unblock actions log at Info, failures at
// Warn/Error throughout the rest of the codebase.
func ConfigureLogging(level string, syslogAddr string) error {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	switch level {
	case "ERROR":
		logrus.SetLevel(logrus.ErrorLevel)
	case "WARNING":
		logrus.SetLevel(logrus.WarnLevel)
	case "DEBUG":
		logrus.SetLevel(logrus.DebugLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	if syslogAddr == "" {
		return nil
	}

	writer, err := srslog.Dial("udp", syslogAddr, srslog.LOG_INFO|srslog.LOG_DAEMON, "hostblock")
	if err != nil {
		return newError(KindIO, fmt.Sprintf("dial syslog at %s", syslogAddr), err)
	}
	logrus.AddHook(&srslogHook{writer: writer})
	return nil
}
