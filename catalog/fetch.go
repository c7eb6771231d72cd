package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/version"
)

// ErrDiscoveryDegraded is returned by the Fetcher when no source could be
// fetched; the returned list is the cached copy (possibly empty).
var ErrDiscoveryDegraded = errors.New("remote candidate list unavailable")

const (
	cacheFile    = "sources-cache.json"
	maxBodyBytes = 2 << 20
)

var hostnameRE = regexp.MustCompile(`(?im)(?:^|\s)([a-z0-9][-a-z0-9.]+\.[a-z]{2,})`)

// Fetcher downloads the remote base lists and keeps the last good copy
// in the state directory.
type Fetcher struct {
	urls      []string
	client    *http.Client
	cachePath string
	maxTries  uint
}

func NewFetcher(urls []string, stateDir string) *Fetcher {
	f := &Fetcher{
		urls:     urls,
		client:   newHTTPClient(),
		maxTries: 3,
	}
	if len(stateDir) > 0 {
		f.cachePath = filepath.Join(stateDir, cacheFile)
	}
	return f
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 20 * time.Second,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

type sourceCache struct {
	Fetched time.Time `json:"fetched"`
	Servers []string  `json:"servers"`
}

// Servers fetches all configured sources. When every source fails the
// cached list is returned together with ErrDiscoveryDegraded.
func (f *Fetcher) Servers(ctx context.Context) ([]string, error) {
	log := logger.FromContext(ctx)

	var servers []string
	var errs []error

	for _, u := range f.urls {
		list, err := f.fetch(ctx, u)
		if err != nil {
			log.WarnContext(ctx, "could not fetch server list", "url", u, "err", err)
			errs = append(errs, err)
			continue
		}
		log.DebugContext(ctx, "fetched server list", "url", u, "servers", len(list))
		servers = append(servers, list...)
	}

	if len(servers) > 0 {
		if err := f.saveCache(servers); err != nil {
			log.WarnContext(ctx, "could not save server list cache", "err", err)
		}
		return servers, nil
	}

	if len(f.urls) == 0 {
		return nil, nil
	}

	cached, err := f.loadCache()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	return cached, fmt.Errorf("%w: %w", ErrDiscoveryDegraded, errors.Join(errs...))
}

func (f *Fetcher) fetch(ctx context.Context, url string) ([]string, error) {
	expback := backoff.NewExponentialBackOff()
	expback.InitialInterval = 500 * time.Millisecond
	expback.MaxInterval = 5 * time.Second

	return backoff.Retry(ctx, func() ([]string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", "ntp-optimizer/"+version.Version())

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("unexpected status %s", resp.Status)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}

		b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, err
		}
		return ParseServerList(string(b)), nil
	},
		backoff.WithBackOff(expback),
		backoff.WithMaxTries(f.maxTries),
	)
}

// ParseServerList extracts time server hostnames from a free-form
// document (markdown, html or plain text).
func ParseServerList(doc string) []string {
	seen := map[string]bool{}
	var servers []string
	for _, m := range hostnameRE.FindAllStringSubmatch(doc, -1) {
		h := normalizeAddress(m[1])
		if !strings.Contains(h, "ntp") && !strings.Contains(h, "time") {
			continue
		}
		if seen[h] {
			continue
		}
		seen[h] = true
		servers = append(servers, h)
	}
	return servers
}

func (f *Fetcher) loadCache() ([]string, error) {
	if len(f.cachePath) == 0 {
		return nil, os.ErrNotExist
	}
	b, err := os.ReadFile(f.cachePath)
	if err != nil {
		return nil, err
	}
	var c sourceCache
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("server list cache: %w", err)
	}
	return c.Servers, nil
}

func (f *Fetcher) saveCache(servers []string) error {
	if len(f.cachePath) == 0 {
		return nil
	}
	b, err := json.MarshalIndent(sourceCache{
		Fetched: time.Now(),
		Servers: servers,
	}, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.cachePath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.cachePath)
}
