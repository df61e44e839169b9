package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAbuseIPDBClientSendSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/report", r.URL.Path)
		require.Equal(t, "test-key", r.Header.Get("Key"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewAbuseIPDBClient(srv.URL, "test-key")
	_, limited, err := client.Send(ReportItem{Address: "203.0.113.1", Categories: []string{"18"}, Comment: "test"})
	require.NoError(t, err)
	require.False(t, limited)
}

func TestAbuseIPDBClientSendRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewAbuseIPDBClient(srv.URL, "test-key")
	retryAfter, limited, err := client.Send(ReportItem{Address: "203.0.113.2"})
	require.Error(t, err)
	require.True(t, limited)
	require.Equal(t, 30*time.Second, retryAfter)
}

func TestAbuseIPDBClientSendRequiresAPIKey(t *testing.T) {
	client := NewAbuseIPDBClient("https://example.invalid", "")
	_, _, err := client.Send(ReportItem{Address: "203.0.113.3"})
	require.Error(t, err)
}

func TestAbuseIPDBClientFetchParsesBlacklist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/blacklist", r.URL.Path)
		require.Equal(t, "90", r.URL.Query().Get("confidenceMinimum"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"generatedAt":"2024-01-02T03:04:05Z","blacklist":[{"ipAddress":"203.0.113.9","totalReports":4,"abuseConfidenceScore":95}]}}`))
	}))
	defer srv.Close()

	client := NewAbuseIPDBClient(srv.URL, "test-key")
	entries, genTime, err := client.Fetch(90)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "203.0.113.9", entries[0].Address)
	require.Equal(t, 95, entries[0].ConfidenceScore)
	require.Greater(t, genTime, int64(0))
}

func TestParseRetryAfterDefaultsWhenInvalid(t *testing.T) {
	require.Equal(t, 5*time.Minute, parseRetryAfter("not-a-number"))
	require.Equal(t, 10*time.Second, parseRetryAfter("10"))
}
