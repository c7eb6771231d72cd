// Package mutator reconfigures the time service to a new peer as a
// guarded sequence: back up the configuration, apply the new peer,
// restart the service and verify it synchronises. Any failure after the
// backup restores the original file byte for byte.
package mutator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/tracing"

	"go.ntppool.org/optimizer/service"
)

const backupTimeFormat = "20060102_150405"

type Config struct {
	VerifyTimeout time.Duration `yaml:"verify_timeout"`

	// BackupDir holds the backup copies; empty means next to the
	// configuration file.
	BackupDir string `yaml:"backup_dir"`
}

func DefaultConfig() Config {
	return Config{
		VerifyTimeout: 60 * time.Second,
	}
}

// Result describes a finished sequence.
type Result struct {
	Final      State
	BackupPath string
	Stratum    int
	Trail      []State
}

// Mutator is the only writer of the service configuration. Concurrent
// calls to Switch are serialised.
type Mutator struct {
	cfg     Config
	profile service.Profile
	now     func() time.Time
	mu      sync.Mutex
}

func New(cfg Config, profile service.Profile) *Mutator {
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 60 * time.Second
	}
	return &Mutator{
		cfg:     cfg,
		profile: profile,
		now:     time.Now,
	}
}

// sequence is the state of one Switch call.
type sequence struct {
	address string
	secure  bool

	original   []byte
	backupPath string
	stratum    int

	// set when the failed step left the service running the new
	// configuration
	restartOnRollback bool

	failed      State
	err         error
	rollbackErr error
	trail       []State
}

// Switch runs the sequence for address. A nil error means the new
// configuration was committed; otherwise the error is an *Error.
func (m *Mutator) Switch(ctx context.Context, address string, secure bool) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, span := tracing.Start(ctx, "mutate",
		trace.WithAttributes(
			attribute.String("server", address),
			attribute.String("service", m.profile.Kind().String()),
		),
	)
	defer span.End()

	log := logger.FromContext(ctx).With("server", address, "service", m.profile.Kind().String())
	ctx = logger.NewContext(ctx, log)

	seq := &sequence{address: address, secure: secure}

	state := StateBackup
	for !state.Terminal() {
		seq.trail = append(seq.trail, state)
		log.DebugContext(ctx, "mutation step", "state", state.String())
		state = m.step(ctx, seq, state)
	}
	seq.trail = append(seq.trail, state)

	res := Result{
		Final:      state,
		BackupPath: seq.backupPath,
		Stratum:    seq.stratum,
		Trail:      seq.trail,
	}

	if state == StateCommitted {
		log.InfoContext(ctx, "time service reconfigured", "stratum", seq.stratum, "backup", seq.backupPath)
		return res, nil
	}

	err := &Error{
		Failed:      seq.failed,
		Final:       state,
		Err:         seq.err,
		RollbackErr: seq.rollbackErr,
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, state.String())

	if err.Unrecovered() {
		log.ErrorContext(ctx, "ROLLBACK FAILED, time service configuration may be broken",
			"config", m.profile.ConfigPath(), "backup", seq.backupPath, "err", err)
	} else {
		log.WarnContext(ctx, "reconfiguration failed", "final", state.String(), "err", err)
	}
	return res, err
}

func (m *Mutator) step(ctx context.Context, seq *sequence, state State) State {
	switch state {
	case StateBackup:
		return m.backup(ctx, seq)
	case StateApply:
		return m.apply(ctx, seq)
	case StateRestart:
		return m.restart(ctx, seq)
	case StateVerify:
		return m.verify(ctx, seq)
	case StateRollback:
		return m.rollback(ctx, seq)
	}
	seq.err = fmt.Errorf("unexpected state %s", state)
	return StateRollbackFailed
}

func (seq *sequence) fail(state State, err error) {
	seq.failed = state
	seq.err = err
}

// backup keeps the current file in memory for the rollback and writes a
// timestamped copy. Whatever is in the file now is the baseline, even
// if an earlier run was interrupted before verifying.
func (m *Mutator) backup(ctx context.Context, seq *sequence) State {
	path := m.profile.ConfigPath()

	b, err := os.ReadFile(path)
	if err != nil {
		seq.fail(StateBackup, err)
		return StateAborted
	}
	seq.original = b

	backupPath, err := m.writeBackup(path, b)
	if err != nil {
		seq.fail(StateBackup, err)
		return StateAborted
	}
	seq.backupPath = backupPath
	logger.FromContext(ctx).InfoContext(ctx, "backed up time service configuration", "backup", backupPath)

	return StateApply
}

func (m *Mutator) writeBackup(path string, b []byte) (string, error) {
	dir := m.cfg.BackupDir
	if len(dir) == 0 {
		dir = filepath.Dir(path)
	}
	base := filepath.Join(dir, filepath.Base(path)+".bak."+m.now().Format(backupTimeFormat))

	name := base
	for i := 1; ; i++ {
		f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if errors.Is(err, os.ErrExist) && i < 100 {
			name = base + "." + strconv.Itoa(i)
			continue
		}
		if err != nil {
			return "", err
		}
		_, err = f.Write(b)
		if err1 := f.Close(); err == nil {
			err = err1
		}
		if err != nil {
			os.Remove(name)
			return "", err
		}
		return name, nil
	}
}

func (m *Mutator) apply(ctx context.Context, seq *sequence) State {
	if err := m.profile.ApplyPeer(ctx, seq.address, seq.secure); err != nil {
		seq.fail(StateApply, err)
		return StateRollback
	}
	return StateRestart
}

func (m *Mutator) restart(ctx context.Context, seq *sequence) State {
	if err := m.profile.Restart(ctx); err != nil {
		seq.fail(StateRestart, err)
		seq.restartOnRollback = true
		return StateRollback
	}
	return StateVerify
}

func (m *Mutator) verify(ctx context.Context, seq *sequence) State {
	stratum, ok := m.profile.Verify(ctx, m.cfg.VerifyTimeout)
	seq.stratum = stratum
	if !ok {
		seq.fail(StateVerify, fmt.Errorf("no acceptable stratum within %s (last %d)", m.cfg.VerifyTimeout, stratum))
		seq.restartOnRollback = true
		return StateRollback
	}
	return StateCommitted
}

// rollback puts the original bytes back and, if the service was
// restarted with the new configuration, restarts it again.
func (m *Mutator) rollback(ctx context.Context, seq *sequence) State {
	log := logger.FromContext(ctx)
	log.WarnContext(ctx, "rolling back time service configuration", "failed", seq.failed.String(), "err", seq.err)

	if err := service.ReplaceFile(m.profile.ConfigPath(), seq.original); err != nil {
		seq.rollbackErr = fmt.Errorf("restore %s: %w", m.profile.ConfigPath(), err)
		return StateRollbackFailed
	}

	if seq.restartOnRollback {
		if err := m.profile.Restart(ctx); err != nil {
			seq.rollbackErr = fmt.Errorf("restart with previous configuration: %w", err)
			return StateRollbackFailed
		}
	}
	return StateRolledBack
}
