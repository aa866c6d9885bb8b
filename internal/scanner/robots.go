package scanner

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
)

const robotsCacheTTL = 30 * time.Minute

// RobotsAgent evaluates robots.txt rules, caching them per host.
type RobotsAgent struct {
	client    *http.Client
	userAgent string

	mu    sync.RWMutex
	cache map[string]robotsEntry
}

type robotsEntry struct {
	fetched time.Time
	rules   *robotstxt.RobotsData
}

func NewRobotsAgent(client *http.Client, userAgent string) *RobotsAgent {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &RobotsAgent{
		client:    client,
		userAgent: userAgent,
		cache:     make(map[string]robotsEntry),
	}
}

// Allowed reports whether target may be fetched. Rules that cannot be
// fetched or parsed allow everything.
func (a *RobotsAgent) Allowed(ctx context.Context, target *url.URL) bool {
	rules, err := a.rules(ctx, target)
	if err != nil {
		return true
	}
	path := target.EscapedPath()
	if path == "" {
		path = "/"
	}
	return rules.TestAgent(path, a.agentName())
}

func (a *RobotsAgent) agentName() string {
	if a.userAgent == "" {
		return "*"
	}
	// product token only, e.g. "perforay" from "perforay/1.0 (+https://...)"
	name, _, _ := strings.Cut(a.userAgent, "/")
	return strings.TrimSpace(name)
}

func (a *RobotsAgent) rules(ctx context.Context, target *url.URL) (*robotstxt.RobotsData, error) {
	host := strings.ToLower(target.Host)

	a.mu.RLock()
	entry, ok := a.cache[host]
	a.mu.RUnlock()
	if ok && time.Since(entry.fetched) < robotsCacheTTL {
		return entry.rules, nil
	}

	robotsURL := target.Scheme + "://" + target.Host + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build robots request: %w", err)
	}
	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer resp.Body.Close()

	// robotstxt reads a 5xx as disallow-all; treat it as unavailable instead
	// and retry on the next page
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("fetch robots.txt: status %d", resp.StatusCode)
	}

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}

	a.mu.Lock()
	a.cache[host] = robotsEntry{fetched: time.Now(), rules: data}
	a.mu.Unlock()
	return data, nil
}
