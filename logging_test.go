package main

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestConfigureLoggingSetsLevel(t *testing.T) {
	cases := map[string]logrus.Level{
		"ERROR":   logrus.ErrorLevel,
		"WARNING": logrus.WarnLevel,
		"DEBUG":   logrus.DebugLevel,
		"INFO":    logrus.InfoLevel,
		"":        logrus.InfoLevel,
	}
	for level, want := range cases {
		require.NoError(t, ConfigureLogging(level, ""))
		require.Equal(t, want, logrus.GetLevel())
	}
}

func TestConfigureLoggingRejectsUnreachableSyslog(t *testing.T) {
	// The hook dials over UDP, which cannot detect a closed port, so an
	// unresolvable host is used as the unreachable endpoint.
	err := ConfigureLogging("INFO", "syslog.invalid:514")
	require.Error(t, err)
	var target *Error
	require.ErrorAs(t, err, &target)
	require.Equal(t, KindIO, target.Kind)
}
