package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// Mailbox is a configured mailbox the manager can sync
type Mailbox struct {
	ID       string
	Provider ProviderName
	Interval time.Duration
	Options  Options
}

// DriverFactory builds a driver for one run of mb. A non-nil closer is closed after the run.
type DriverFactory func(ctx context.Context, mb Mailbox) (*Driver, io.Closer, error)

// Manager runs a polling loop per mailbox
type Manager struct {
	factory   DriverFactory
	logger    *slog.Logger
	mailboxes map[string]Mailbox

	runners      map[string]*loopHandle
	runnersMutex sync.RWMutex
	wg           sync.WaitGroup
}

type loopHandle struct {
	cancel context.CancelFunc
}

// NewManager creates sync manager
func NewManager(factory DriverFactory, mailboxes []Mailbox, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		factory:   factory,
		logger:    logger,
		mailboxes: make(map[string]Mailbox, len(mailboxes)),
		runners:   make(map[string]*loopHandle),
	}
	for _, mb := range mailboxes {
		m.mailboxes[mb.ID] = mb
	}
	return m
}

// Mailboxes returns the configured mailboxes sorted by id
func (m *Manager) Mailboxes() []Mailbox {
	out := make([]Mailbox, 0, len(m.mailboxes))
	for _, mb := range m.mailboxes {
		out = append(out, mb)
	}
	slices.SortFunc(out, func(a, b Mailbox) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// RunOnce performs a single sync run for a configured mailbox
func (m *Manager) RunOnce(ctx context.Context, mailboxID string) (*RunReport, error) {
	mb, ok := m.mailboxes[mailboxID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMailbox, mailboxID)
	}
	driver, closer, err := m.factory(ctx, mb)
	if err != nil {
		return nil, fmt.Errorf("build driver for %s: %w", mailboxID, err)
	}
	if closer != nil {
		defer func() {
			if err := closer.Close(); err != nil {
				m.logger.Warn("close source failed", "mailbox", mailboxID, "error", err)
			}
		}()
	}
	return driver.RunSync(ctx, mailboxID, mb.Options)
}

// StartSync starts the polling loop for a mailbox
func (m *Manager) StartSync(ctx context.Context, mailboxID string) error {
	mb, ok := m.mailboxes[mailboxID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMailbox, mailboxID)
	}

	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	if _, exists := m.runners[mailboxID]; exists {
		return fmt.Errorf("sync already running for %s", mailboxID)
	}

	runner := &Runner{
		MailboxID: mailboxID,
		Interval:  mb.Interval,
		Run:       m.RunOnce,
		Logger:    m.logger,
	}

	runnerCtx, cancel := context.WithCancel(ctx)
	handle := &loopHandle{cancel: cancel}
	m.runners[mailboxID] = handle
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		m.logger.Info("sync loop start", "mailbox", mailboxID, "interval", runner.Interval)
		if err := runner.Loop(runnerCtx); err != nil {
			m.logger.Error("sync loop error", "mailbox", mailboxID, "error", err)
		}

		cancel()
		m.runnersMutex.Lock()
		if m.runners[mailboxID] == handle {
			delete(m.runners, mailboxID)
		}
		m.runnersMutex.Unlock()
		m.logger.Info("sync loop stop", "mailbox", mailboxID)
	}()

	return nil
}

// StopSync stops the polling loop for a mailbox
func (m *Manager) StopSync(mailboxID string) error {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	handle, exists := m.runners[mailboxID]
	if !exists {
		return fmt.Errorf("no sync running for %s", mailboxID)
	}

	handle.cancel()
	delete(m.runners, mailboxID)
	return nil
}

// IsRunning checks if a polling loop is running for a mailbox
func (m *Manager) IsRunning(mailboxID string) bool {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	_, exists := m.runners[mailboxID]
	return exists
}

// StopAll stops all loops and waits for in-flight runs to return
func (m *Manager) StopAll() {
	m.runnersMutex.Lock()
	for id, handle := range m.runners {
		m.logger.Info("stopping sync", "mailbox", id)
		handle.cancel()
	}
	m.runners = make(map[string]*loopHandle)
	m.runnersMutex.Unlock()

	m.wg.Wait()
}

// Running returns the ids of mailboxes with an active loop
func (m *Manager) Running() []string {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	syncs := make([]string, 0, len(m.runners))
	for id := range m.runners {
		syncs = append(syncs, id)
	}
	slices.Sort(syncs)
	return syncs
}
