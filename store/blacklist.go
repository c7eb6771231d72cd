// Package store persists the state kept between runs: the blacklist of
// repeatedly failing servers, the append-only run history and the lock
// that keeps two runs from overlapping.
package store

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"go.ntppool.org/optimizer/catalog"
	"go.ntppool.org/optimizer/service"
)

type BlacklistConfig struct {
	// Threshold is the number of consecutive failed runs that blacklists
	// a server.
	Threshold int `yaml:"threshold"`

	// Expiry lifts a blacklisting after the duration; 0 keeps entries
	// until an operator clears them.
	Expiry time.Duration `yaml:"expiry"`
}

func DefaultBlacklistConfig() BlacklistConfig {
	return BlacklistConfig{Threshold: 3}
}

type Entry struct {
	Address       string     `json:"address"`
	FailureCount  int        `json:"failure_count"`
	LastFailure   time.Time  `json:"last_failure"`
	BlacklistedAt *time.Time `json:"blacklisted_at,omitempty"`
}

func (e Entry) Blacklisted() bool {
	return e.BlacklistedAt != nil
}

type blacklistFile struct {
	Updated time.Time         `json:"updated"`
	Entries map[string]*Entry `json:"entries"`
}

// Blacklist tracks consecutive failures per server. It is safe for
// concurrent use; failures are written to disk as they are recorded.
type Blacklist struct {
	cfg     BlacklistConfig
	path    string
	now     func() time.Time
	mu      sync.Mutex
	entries map[string]*Entry
	saveErr error
}

// OpenBlacklist loads the blacklist at path; a missing file is an empty
// blacklist.
func OpenBlacklist(path string, cfg BlacklistConfig) (*Blacklist, error) {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	b := &Blacklist{
		cfg:     cfg,
		path:    path,
		now:     time.Now,
		entries: map[string]*Entry{},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return b, nil
		}
		return nil, err
	}

	var f blacklistFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("blacklist %s: %w", path, err)
	}
	for addr, e := range f.Entries {
		if e == nil {
			continue
		}
		key := catalog.NormalizeAddress(addr)
		e.Address = key
		b.entries[key] = e
	}
	return b, nil
}

// expire drops blacklistings older than the expiry so the server gets
// a fresh start. Called with the lock held.
func (b *Blacklist) expire() {
	if b.cfg.Expiry <= 0 {
		return
	}
	now := b.now()
	for k, e := range b.entries {
		if e.BlacklistedAt != nil && now.Sub(*e.BlacklistedAt) >= b.cfg.Expiry {
			delete(b.entries, k)
		}
	}
}

// Set returns the currently blacklisted addresses.
func (b *Blacklist) Set() map[string]bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expire()

	set := map[string]bool{}
	for k, e := range b.entries {
		if e.Blacklisted() {
			set[k] = true
		}
	}
	return set
}

// RecordFailure counts a failed run for address and reports if this
// failure blacklisted it.
func (b *Blacklist) RecordFailure(address string) bool {
	key := catalog.NormalizeAddress(address)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	e, ok := b.entries[key]
	if !ok {
		e = &Entry{Address: key}
		b.entries[key] = e
	}
	e.FailureCount++
	e.LastFailure = now

	newly := false
	if !e.Blacklisted() && e.FailureCount >= b.cfg.Threshold {
		e.BlacklistedAt = &now
		newly = true
	}

	b.keepSaveErr(b.save())
	return newly
}

// RecordSuccess resets the consecutive failure count. Blacklisted
// entries are only cleared by Clear or the expiry.
func (b *Blacklist) RecordSuccess(address string) {
	key := catalog.NormalizeAddress(address)

	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok || e.Blacklisted() {
		return
	}
	delete(b.entries, key)
	b.keepSaveErr(b.save())
}

func (b *Blacklist) keepSaveErr(err error) {
	if err != nil && b.saveErr == nil {
		b.saveErr = err
	}
}

// Entries returns all entries, blacklisted or not, sorted by address.
func (b *Blacklist) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expire()

	list := make([]Entry, 0, len(b.entries))
	for _, e := range b.entries {
		list = append(list, *e)
	}
	slices.SortFunc(list, func(x, y Entry) int {
		return cmp.Compare(x.Address, y.Address)
	})
	return list
}

// Clear removes the given addresses, or everything when none are given.
// It returns the number of removed entries.
func (b *Blacklist) Clear(addresses ...string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	if len(addresses) == 0 {
		n = len(b.entries)
		b.entries = map[string]*Entry{}
	} else {
		for _, a := range addresses {
			key := catalog.NormalizeAddress(a)
			if _, ok := b.entries[key]; ok {
				delete(b.entries, key)
				n++
			}
		}
	}
	return n, b.save()
}

// Save writes the blacklist and returns the first error from the
// writes done while recording failures.
func (b *Blacklist) Save() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.save()
	if err == nil {
		err = b.saveErr
	}
	b.saveErr = nil
	return err
}

func (b *Blacklist) save() error {
	if len(b.path) == 0 {
		return nil
	}
	data, err := json.MarshalIndent(blacklistFile{
		Updated: b.now(),
		Entries: b.entries,
	}, "", "  ")
	if err != nil {
		return err
	}
	return service.ReplaceFile(b.path, data)
}
