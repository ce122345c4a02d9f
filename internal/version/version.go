/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package version carries the build version and watches the release feed
// for newer builds. Venue appliances run unattended for months; the
// checker surfaces "an update exists" on the status API and the event bus
// without ever acting on it itself.
package version

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/venuecast/venuecast/internal/events"
)

// Version is the running build. Set at build time via ldflags:
//
//	-X github.com/venuecast/venuecast/internal/version.Version=X.Y.Z
var Version = "0.4.1"

// Channel selects which releases an appliance follows.
type Channel string

const (
	// ChannelStable ignores prereleases.
	ChannelStable Channel = "stable"
	// ChannelBeta also accepts prereleases.
	ChannelBeta Channel = "beta"
)

// Valid reports whether the channel is a known one.
func (c Channel) Valid() bool {
	return c == ChannelStable || c == ChannelBeta
}

// Status is what the control plane reports about updates.
type Status struct {
	Running         string    `json:"running"`
	Channel         Channel   `json:"channel"`
	Latest          string    `json:"latest,omitempty"`
	UpdateAvailable bool      `json:"update_available"`
	ReleaseURL      string    `json:"release_url,omitempty"`
	CheckedAt       time.Time `json:"checked_at,omitempty"`
}

// release is one entry of the GitHub releases feed.
type release struct {
	TagName    string `json:"tag_name"`
	HTMLURL    string `json:"html_url"`
	Draft      bool   `json:"draft"`
	Prerelease bool   `json:"prerelease"`
}

// CheckerConfig tunes the release checker.
type CheckerConfig struct {
	Channel  Channel
	Interval time.Duration
	// APIBase overrides the GitHub API root. Test hook.
	APIBase string
}

// Checker polls the release feed and announces newer builds on the bus.
type Checker struct {
	channel  Channel
	interval time.Duration
	apiBase  string
	bus      *events.Bus
	client   *http.Client
	logger   zerolog.Logger

	mu        sync.Mutex
	status    Status
	announced string
}

// NewChecker creates a release checker.
func NewChecker(cfg CheckerConfig, bus *events.Bus, logger zerolog.Logger) *Checker {
	if !cfg.Channel.Valid() {
		cfg.Channel = ChannelStable
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 6 * time.Hour
	}
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.github.com"
	}
	return &Checker{
		channel:  cfg.Channel,
		interval: cfg.Interval,
		apiBase:  strings.TrimRight(cfg.APIBase, "/"),
		bus:      bus,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger.With().Str("component", "release-checker").Logger(),
		status:   Status{Running: Version, Channel: cfg.Channel},
	}
}

// Info returns the latest known update status.
func (c *Checker) Info() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Run checks once at startup and then on the interval, until context
// cancellation. Failed checks are logged and retried next round.
func (c *Checker) Run(ctx context.Context) error {
	c.check(ctx)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.check(ctx)
		}
	}
}

// check fetches the release feed and records the newest release the
// channel accepts. An update is announced on the bus once per version.
func (c *Checker) check(ctx context.Context) {
	url := fmt.Sprintf("%s/repos/venuecast/venuecast/releases?per_page=20", c.apiBase)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.logger.Debug().Err(err).Msg("building release request failed")
		return
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "venuecast/"+Version)

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Msg("release feed unreachable")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.logger.Debug().Int("status", resp.StatusCode).Msg("release feed refused")
		return
	}

	var feed []release
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		c.logger.Debug().Err(err).Msg("release feed unreadable")
		return
	}

	latest, ok := c.pick(feed)
	now := time.Now()

	c.mu.Lock()
	c.status.CheckedAt = now
	if ok {
		tag := strings.TrimPrefix(latest.TagName, "v")
		c.status.Latest = tag
		c.status.ReleaseURL = latest.HTMLURL
		c.status.UpdateAvailable = isNewer(Version, tag)
	}
	status := c.status
	fresh := status.UpdateAvailable && c.announced != status.Latest
	if fresh {
		c.announced = status.Latest
	}
	c.mu.Unlock()

	if fresh {
		c.logger.Info().Str("running", Version).Str("latest", status.Latest).Str("url", status.ReleaseURL).Msg("newer build available")
		c.bus.Publish(events.EventUpdateAvailable, events.Payload{
			"running":     Version,
			"latest":      status.Latest,
			"release_url": status.ReleaseURL,
			"channel":     string(c.channel),
		})
	}
}

// pick returns the first feed entry the channel accepts. The feed is
// newest first; drafts never count, prereleases only on the beta channel.
func (c *Checker) pick(feed []release) (release, bool) {
	for _, r := range feed {
		if r.Draft {
			continue
		}
		if r.Prerelease && c.channel != ChannelBeta {
			continue
		}
		return r, true
	}
	return release{}, false
}

// isNewer reports whether candidate is a strictly newer semver than
// running. Unparseable segments count as zero.
func isNewer(running, candidate string) bool {
	a := semverParts(running)
	b := semverParts(candidate)
	for i := 0; i < 3; i++ {
		if b[i] != a[i] {
			return b[i] > a[i]
		}
	}
	return false
}

func semverParts(v string) [3]int {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		v = v[:i]
	}
	var out [3]int
	for i, part := range strings.SplitN(v, ".", 3) {
		n, err := strconv.Atoi(part)
		if err != nil {
			break
		}
		out[i] = n
	}
	return out
}
