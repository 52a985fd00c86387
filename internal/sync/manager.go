package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mail-harvester/internal/config"
	"github.com/Martian-dev/mail-harvester/internal/logger"
	"github.com/Martian-dev/mail-harvester/internal/metrics"
	"github.com/Martian-dev/mail-harvester/internal/store"
)

// ErrAlreadyRunning is returned when a pass is started while another runs.
var ErrAlreadyRunning = errors.New("sync already running")

// PassSummary reports one sync pass over a set of accounts.
type PassSummary struct {
	RunID        string           `json:"run_id"`
	StartedAt    time.Time        `json:"started_at"`
	FinishedAt   time.Time        `json:"finished_at"`
	PreviousSync *time.Time       `json:"previous_sync,omitempty"`
	Accounts     []AccountSummary `json:"accounts"`
	TotalNew     int              `json:"total_new"`
	TotalStored  int              `json:"total_stored"`
}

// Failed reports whether any account ended in StateFailed.
func (p *PassSummary) Failed() bool {
	for _, a := range p.Accounts {
		if a.State == StateFailed {
			return true
		}
	}
	return false
}

// Status is a snapshot of the manager for status reporting.
type Status struct {
	Running  bool              `json:"running"`
	RunID    string            `json:"run_id,omitempty"`
	Accounts map[string]string `json:"accounts,omitempty"`
	Last     *PassSummary      `json:"last,omitempty"`
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Runner *Runner
	Store  Store

	// Parallel is the number of accounts synced at once. Defaults to 1.
	Parallel int

	Logger *zap.Logger
}

// Manager runs sync passes and tracks the one in flight.
type Manager struct {
	runner   Runner
	store    Store
	parallel int
	log      *zap.Logger

	runners      map[string]context.CancelFunc
	progress     map[string]State
	last         *PassSummary
	runnersMutex sync.RWMutex
}

// NewManager creates a sync manager.
func NewManager(opts ManagerOptions) *Manager {
	if opts.Parallel <= 0 {
		opts.Parallel = 1
	}
	m := &Manager{
		store:    opts.Store,
		parallel: opts.Parallel,
		log:      logger.OrNop(opts.Logger),
		runners:  make(map[string]context.CancelFunc),
	}
	m.runner = *opts.Runner
	if m.runner.Store == nil {
		m.runner.Store = opts.Store
	}
	observer := m.runner.Observer
	m.runner.Observer = func(account string, s State) {
		m.observe(account, s)
		if observer != nil {
			observer(account, s)
		}
	}
	return m
}

// RunPass syncs accounts and blocks until every account has finished.
func (m *Manager) RunPass(ctx context.Context, accounts []config.Account) (*PassSummary, error) {
	runID, runCtx, err := m.register(ctx)
	if err != nil {
		return nil, err
	}
	defer m.unregister(runID)

	return m.run(runCtx, runID, accounts)
}

// StartPass runs a pass in the background and returns its run id. The pass
// outlives ctx; use Stop to cancel it.
func (m *Manager) StartPass(ctx context.Context, accounts []config.Account) (string, error) {
	runID, runCtx, err := m.register(context.WithoutCancel(ctx))
	if err != nil {
		return "", err
	}

	go func() {
		defer m.unregister(runID)
		m.log.Info("sync start", zap.String("run_id", runID))
		if _, err := m.run(runCtx, runID, accounts); err != nil {
			m.log.Error("sync pass failed", zap.String("run_id", runID), zap.Error(err))
		}
		m.log.Info("sync stop", zap.String("run_id", runID))
	}()

	return runID, nil
}

func (m *Manager) register(ctx context.Context) (string, context.Context, error) {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	if len(m.runners) > 0 {
		return "", nil, ErrAlreadyRunning
	}

	runID := uuid.NewString()
	runCtx, cancel := context.WithCancel(ctx)
	m.runners[runID] = cancel
	m.progress = make(map[string]State)
	return runID, runCtx, nil
}

func (m *Manager) unregister(runID string) {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	if cancel, ok := m.runners[runID]; ok {
		cancel()
		delete(m.runners, runID)
	}
}

func (m *Manager) observe(account string, s State) {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	if m.progress != nil {
		m.progress[account] = s
	}
}

// run executes one pass: it loads the existing-id snapshot once, syncs the
// accounts, then records per-account and global watermarks.
func (m *Manager) run(ctx context.Context, runID string, accounts []config.Account) (*PassSummary, error) {
	log := m.log.With(zap.String("run_id", runID))
	pass := &PassSummary{RunID: runID, StartedAt: m.runner.now()}

	prev, ok, err := m.store.GetWatermark(ctx, store.GlobalWatermark)
	if err != nil {
		return nil, fmt.Errorf("read watermark: %w", err)
	}
	if ok {
		pass.PreviousSync = &prev
	}

	existing, err := m.store.ExistingIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load existing ids: %w", err)
	}
	log.Info("sync pass started",
		zap.Int("accounts", len(accounts)),
		zap.Int("existing", len(existing)))

	pass.Accounts = make([]AccountSummary, len(accounts))
	var g errgroup.Group
	g.SetLimit(m.parallel)
	for i, acct := range accounts {
		g.Go(func() error {
			pass.Accounts[i] = m.runner.RunAccount(ctx, acct, existing)
			return nil
		})
	}
	_ = g.Wait()

	for _, a := range pass.Accounts {
		pass.TotalNew += a.New
		if a.State != StateDone {
			continue
		}
		if err := m.store.SetWatermark(ctx, store.AccountWatermark(a.Account), a.FinishedAt); err != nil {
			log.Warn("failed to save account watermark", zap.String("account", a.Account), zap.Error(err))
		}
	}

	pass.FinishedAt = m.runner.now()
	if ctx.Err() == nil {
		if err := m.store.SetWatermark(ctx, store.GlobalWatermark, pass.FinishedAt); err != nil {
			return pass, fmt.Errorf("save watermark: %w", err)
		}
	}

	if n, err := m.store.Count(ctx); err == nil {
		pass.TotalStored = n
	} else {
		log.Warn("failed to count messages", zap.Error(err))
	}

	metrics.RecordPass(pass.FinishedAt.Sub(pass.StartedAt))
	log.Info("sync pass complete",
		zap.Int("total_new", pass.TotalNew),
		zap.Int("total_stored", pass.TotalStored),
		zap.Duration("took", pass.FinishedAt.Sub(pass.StartedAt)))

	m.runnersMutex.Lock()
	m.last = pass
	m.runnersMutex.Unlock()

	return pass, ctx.Err()
}

// Stop cancels the pass with the given run id. The pass stays registered
// until it has finished unwinding.
func (m *Manager) Stop(runID string) error {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	cancel, exists := m.runners[runID]
	if !exists {
		return fmt.Errorf("no sync running for %s", runID)
	}

	cancel()
	return nil
}

// IsRunning reports whether a pass is in flight.
func (m *Manager) IsRunning() bool {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	return len(m.runners) > 0
}

// StopAll cancels every running pass.
func (m *Manager) StopAll() {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	for runID, cancel := range m.runners {
		m.log.Info("stopping sync", zap.String("run_id", runID))
		cancel()
	}
}

// Running returns the ids of the passes in flight.
func (m *Manager) Running() []string {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	var ids []string
	for runID := range m.runners {
		ids = append(ids, runID)
	}
	sort.Strings(ids)
	return ids
}

// Last returns the most recently finished pass, or nil.
func (m *Manager) Last() *PassSummary {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	return m.last
}

// Status returns a snapshot of the running pass and the last result.
func (m *Manager) Status() Status {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	st := Status{Running: len(m.runners) > 0, Last: m.last}
	for runID := range m.runners {
		st.RunID = runID
	}
	if st.Running {
		st.Accounts = make(map[string]string, len(m.progress))
		for account, s := range m.progress {
			st.Accounts[account] = s.String()
		}
	}
	return st
}
