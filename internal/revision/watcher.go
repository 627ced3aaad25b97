// Package revision tracks the latest event id so cached client payloads can
// be invalidated when flag configuration changes.
package revision

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron"
	"github.com/rpattn/flagstate/internal/metrics"
	"github.com/rpattn/flagstate/internal/repository"
	"go.uber.org/zap"
)

// Listener is notified with the new revision id after a change.
type Listener func(revision int64)

// Watcher polls the event log on a cron schedule.
type Watcher struct {
	repo     repository.RevisionRepository
	interval time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu        sync.RWMutex
	current   int64
	listeners []Listener

	cron *cron.Cron
}

// NewWatcher creates a watcher polling every interval.
func NewWatcher(repo repository.RevisionRepository, interval time.Duration, logger *zap.Logger, m *metrics.Metrics) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		repo:     repo,
		interval: interval,
		logger:   logger.Named("revision"),
		metrics:  m,
	}
}

// Subscribe registers fn for revision changes.
func (w *Watcher) Subscribe(fn Listener) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Current returns the last observed revision.
func (w *Watcher) Current() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Refresh reads the latest revision and notifies listeners when it moved.
func (w *Watcher) Refresh(ctx context.Context) (int64, error) {
	latest, err := w.repo.GetMaxRevisionID(ctx)
	if err != nil {
		return w.Current(), fmt.Errorf("refresh revision: %w", err)
	}

	w.mu.Lock()
	changed := latest != w.current
	previous := w.current
	w.current = latest
	listeners := append([]Listener(nil), w.listeners...)
	w.mu.Unlock()

	if changed {
		w.metrics.SetRevision(latest)
		w.logger.Debug("revision changed", zap.Int64("from", previous), zap.Int64("to", latest))
		for _, listener := range listeners {
			listener(latest)
		}
	}
	return latest, nil
}

// Start performs an initial refresh and schedules polling.
func (w *Watcher) Start(ctx context.Context) error {
	if _, err := w.Refresh(ctx); err != nil {
		return err
	}

	c := cron.New()
	err := c.AddFunc(fmt.Sprintf("@every %s", w.interval), func() {
		pollCtx, cancel := context.WithTimeout(ctx, w.interval)
		defer cancel()
		if _, err := w.Refresh(pollCtx); err != nil {
			w.logger.Warn("poll revision", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule revision poll: %w", err)
	}
	c.Start()

	w.mu.Lock()
	w.cron = c
	w.mu.Unlock()

	w.logger.Info("revision watcher started", zap.Duration("interval", w.interval), zap.Int64("revision", w.Current()))
	return nil
}

// Stop halts polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	c := w.cron
	w.cron = nil
	w.mu.Unlock()

	if c != nil {
		c.Stop()
	}
}

// Run starts the watcher and blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	w.Stop()
	return nil
}
