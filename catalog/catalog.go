// Package catalog builds the ordered list of candidate time servers for a
// run: the current peer first, then the remotely fetched list, the
// region's pool zones and the static global fallback list, without
// duplicates or blacklisted entries.
package catalog

import (
	"context"
	"fmt"

	"go.ntppool.org/common/logger"
)

// Config for the candidate catalog.
type Config struct {
	Sources          []string `yaml:"sources"`
	Fallback         []string `yaml:"fallback"`
	Whitelist        []string `yaml:"whitelist"`
	MaxServers       int      `yaml:"max_servers"`
	PreferRegional   bool     `yaml:"prefer_regional"`
	FallbackToGlobal bool     `yaml:"fallback_to_global"`
}

// DefaultFallback is the static global list used when nothing else is
// available.
var DefaultFallback = []string{
	"time.cloudflare.com",
	"time.google.com",
	"time.apple.com",
	"time.windows.com",
	"time.nist.gov",
	"pool.ntp.org",
	"0.pool.ntp.org",
	"1.pool.ntp.org",
	"2.pool.ntp.org",
	"3.pool.ntp.org",
}

func DefaultConfig() Config {
	return Config{
		Sources: []string{
			"https://gist.githubusercontent.com/mutin-sa/eea1c396b1e610a2da1e5550d94b0453/raw/top_public_time_servers.md",
		},
		Fallback:         append([]string(nil), DefaultFallback...),
		MaxServers:       20,
		PreferRegional:   true,
		FallbackToGlobal: true,
	}
}

// Catalog produces candidate lists. The remote list comes from a Source,
// usually a *Fetcher.
type Catalog struct {
	cfg    Config
	source Source
}

// Source returns the remotely advertised base list. An error with a
// non-empty list means the list is a degraded (cached) copy.
type Source interface {
	Servers(ctx context.Context) ([]string, error)
}

func New(cfg Config, source Source) *Catalog {
	return &Catalog{cfg: cfg, source: source}
}

// RegionalServers returns the pool zone names for the region.
func RegionalServers(r Region) []string {
	if r.IsGlobal() {
		return nil
	}
	var servers []string
	for i := 0; i < 4; i++ {
		servers = append(servers, fmt.Sprintf("%d.%s.pool.ntp.org", i, r.Continent))
	}
	if len(r.Country) > 0 {
		for i := 0; i < 4; i++ {
			servers = append(servers, fmt.Sprintf("%d.%s.pool.ntp.org", i, r.Country))
		}
	}
	return servers
}

// Build returns the candidates for one run. The current peer (if any) is
// always first and is kept even when it is blacklisted or not
// whitelisted, so it can be scored for comparison. The result is capped
// at MaxServers.
func (c *Catalog) Build(ctx context.Context, region Region, blacklist map[string]bool, current string) []Candidate {
	log := logger.FromContext(ctx)

	var base []string
	if c.source != nil {
		var err error
		base, err = c.source.Servers(ctx)
		if err != nil {
			log.WarnContext(ctx, "candidate discovery degraded", "err", err, "servers", len(base))
		}
	}

	whitelist := map[string]bool{}
	for _, w := range c.cfg.Whitelist {
		whitelist[normalizeAddress(w)] = true
	}

	limit := c.cfg.MaxServers
	seen := map[string]bool{}
	candidates := []Candidate{}
	skippedBlacklist := 0

	add := func(addr string, tag RegionTag, isCurrent bool) {
		key := normalizeAddress(addr)
		if len(key) == 0 || seen[key] {
			return
		}
		if limit > 0 && len(candidates) >= limit {
			return
		}
		if !isCurrent {
			if len(whitelist) > 0 && !whitelist[key] {
				return
			}
			if blacklist[key] {
				seen[key] = true
				skippedBlacklist++
				return
			}
		}
		seen[key] = true
		if tag == RegionGlobal && region.Matches(key) {
			tag = RegionLocal
		}
		candidates = append(candidates, Candidate{
			Address:   key,
			Region:    tag,
			IsCurrent: isCurrent,
		})
	}

	if len(current) > 0 {
		add(current, RegionGlobal, true)
	}

	for _, s := range base {
		add(s, RegionGlobal, false)
	}

	if c.cfg.PreferRegional {
		for _, s := range RegionalServers(region) {
			add(s, RegionLocal, false)
		}
	}

	if c.cfg.FallbackToGlobal {
		for _, s := range c.cfg.Fallback {
			add(s, RegionGlobal, false)
		}
	}

	log.InfoContext(ctx, "built candidate list",
		"candidates", len(candidates),
		"fetched", len(base),
		"blacklisted", skippedBlacklist,
		"region", region.String(),
	)

	return candidates
}
