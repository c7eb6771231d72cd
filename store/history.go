package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Snapshot is one scored server in a history record.
type Snapshot struct {
	Rank            int     `json:"rank"`
	Address         string  `json:"address"`
	Region          string  `json:"region"`
	IsCurrent       bool    `json:"is_current,omitempty"`
	Score           float64 `json:"score"`
	OffsetMs        float64 `json:"offset_ms"`
	JitterMs        float64 `json:"jitter_ms"`
	RTTMs           float64 `json:"rtt_ms"`
	Stratum         int     `json:"stratum"`
	ReachabilityPct float64 `json:"reachability_pct"`
	Secure          bool    `json:"secure,omitempty"`
}

// Record is the history entry for one run. Records are only appended.
type Record struct {
	RunID     string     `json:"run_id"`
	Timestamp time.Time  `json:"timestamp"`
	Region    string     `json:"region"`
	Service   string     `json:"service"`
	Current   string     `json:"current,omitempty"`
	Action    string     `json:"action"`
	Reason    string     `json:"reason"`
	Chosen    string     `json:"chosen,omitempty"`
	Outcome   string     `json:"outcome,omitempty"`
	DryRun    bool       `json:"dry_run,omitempty"`
	Probed    int        `json:"probed"`
	Servers   []Snapshot `json:"servers"`
}

type History interface {
	Append(ctx context.Context, r Record) error
	Close() error
}

const (
	BackendJSONL  = "jsonl"
	BackendSQLite = "sqlite"
)

type HistoryConfig struct {
	Backend string `yaml:"backend"`
	// Path is relative to the state directory unless absolute. Empty
	// selects history.jsonl or history.db by backend.
	Path string `yaml:"path"`
}

func DefaultHistoryConfig() HistoryConfig {
	return HistoryConfig{Backend: BackendJSONL}
}

// OpenHistory opens the configured history backend.
func OpenHistory(ctx context.Context, stateDir string, cfg HistoryConfig) (History, error) {
	path := cfg.Path
	if len(path) > 0 && !filepath.IsAbs(path) {
		path = filepath.Join(stateDir, path)
	}

	switch cfg.Backend {
	case "", BackendJSONL:
		if len(path) == 0 {
			path = filepath.Join(stateDir, "history.jsonl")
		}
		return &JSONLHistory{path: path}, nil
	case BackendSQLite:
		if len(path) == 0 {
			path = filepath.Join(stateDir, "history.db")
		}
		return OpenSQLiteHistory(ctx, path)
	}
	return nil, fmt.Errorf("unknown history backend %q", cfg.Backend)
}

// JSONLHistory appends one JSON document per line.
type JSONLHistory struct {
	path string
	mu   sync.Mutex
}

func NewJSONLHistory(path string) *JSONLHistory {
	return &JSONLHistory{path: path}
}

func (h *JSONLHistory) Append(_ context.Context, r Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.OpenFile(h.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	_, err = f.Write(b)
	if err1 := f.Close(); err == nil {
		err = err1
	}
	return err
}

func (h *JSONLHistory) Close() error {
	return nil
}
