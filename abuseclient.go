package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// AbuseIPDBClient is the reputation/report HTTP transport spec.md §1
// explicitly keeps out of the core ("its HTTP transport is not" part
// of the core): it implements ReportClient and BlacklistSource.
// Grounded on the teacher's client.go, which posts reports and fetches
// the blacklist against the same AbuseIPDB-shaped API; generalized
// here behind the two collaborator interfaces the core calls against.
type AbuseIPDBClient struct {
	BaseURL string
	APIKey  string

	httpClient *http.Client
}

func NewAbuseIPDBClient(baseURL, apiKey string) *AbuseIPDBClient {
	return &AbuseIPDBClient{BaseURL: strings.TrimRight(baseURL, "/"), APIKey: apiKey, httpClient: &http.Client{Timeout: 15 * time.Second}}
}

func parseRetryAfter(header string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 5 * time.Minute
}

// Send implements ReportClient.
func (c *AbuseIPDBClient) Send(item ReportItem) (time.Duration, bool, error) {
	if c.APIKey == "" {
		return 0, false, newError(KindConfig, "abuseipdb.api.key not configured", nil)
	}

	form := url.Values{}
	form.Set("ip", item.Address)
	form.Set("categories", strings.Join(item.Categories, ","))
	form.Set("comment", item.Comment)

	req, err := http.NewRequest(http.MethodPost, c.BaseURL+"/report", strings.NewReader(form.Encode()))
	if err != nil {
		return 0, false, newError(KindProtocol, "build abuseipdb report request", err)
	}
	req.Header.Set("Key", c.APIKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, false, newError(KindProtocol, "abuseipdb report request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return parseRetryAfter(resp.Header.Get("Retry-After")), true, newError(KindRateLimited, "abuseipdb report rate limited", nil)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return 0, false, newError(KindProtocol, fmt.Sprintf("abuseipdb report returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), nil)
	}
	return 0, false, nil
}

type abuseBlacklistResponse struct {
	Data struct {
		GeneratedAt string `json:"generatedAt"`
		Blacklist   []struct {
			IPAddress            string `json:"ipAddress"`
			TotalReports         int    `json:"totalReports"`
			AbuseConfidenceScore int    `json:"abuseConfidenceScore"`
		} `json:"blacklist"`
	} `json:"data"`
}

// Fetch implements BlacklistSource.
func (c *AbuseIPDBClient) Fetch(threshold int) ([]BlacklistEntry, int64, error) {
	reqURL := fmt.Sprintf("%s/blacklist?confidenceMinimum=%d", c.BaseURL, threshold)
	req, err := http.NewRequest(http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, 0, newError(KindProtocol, "build abuseipdb blacklist request", err)
	}
	req.Header.Set("Key", c.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, newError(KindProtocol, "abuseipdb blacklist request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, 0, newError(KindRateLimited, "abuseipdb blacklist rate limited", nil)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, 0, newError(KindProtocol, fmt.Sprintf("abuseipdb blacklist returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), nil)
	}

	var payload abuseBlacklistResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, 0, newError(KindProtocol, "decode abuseipdb blacklist response", err)
	}

	var genUnix int64
	if t, err := time.Parse(time.RFC3339, payload.Data.GeneratedAt); err == nil {
		genUnix = t.Unix()
	}

	entries := make([]BlacklistEntry, 0, len(payload.Data.Blacklist))
	for _, e := range payload.Data.Blacklist {
		entries = append(entries, BlacklistEntry{Address: e.IPAddress, TotalReports: e.TotalReports, ConfidenceScore: e.AbuseConfidenceScore})
	}
	return entries, genUnix, nil
}
