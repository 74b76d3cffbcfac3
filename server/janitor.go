package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/giantswarm/oauth-authz/authcode"
	"github.com/giantswarm/oauth-authz/token"
)

// Janitor periodically removes expired authorization codes and refresh
// tokens for stores without native expiry.
type Janitor struct {
	codes    *authcode.Manager
	tokens   *token.Manager
	interval time.Duration
	logger   *slog.Logger

	mu          sync.Mutex
	started     bool
	stopped     bool
	stopCleanup chan struct{}
	stopOnce    sync.Once
	done        chan struct{}
}

// NewJanitor creates a Janitor. Call Start to begin sweeping.
func NewJanitor(codes *authcode.Manager, tokens *token.Manager, interval time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = defaultCleanupInterval * time.Second
	}
	return &Janitor{
		codes:       codes,
		tokens:      tokens,
		interval:    interval,
		logger:      logger,
		stopCleanup: make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start runs the cleanup loop in a goroutine. Calls after the first, or
// after Stop, do nothing.
func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started || j.stopped {
		return
	}
	j.started = true
	go j.cleanupLoop()
}

// Stop ends the cleanup loop and waits for a running sweep to finish. It is
// safe to call more than once, and on a Janitor that was never started.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() {
		j.mu.Lock()
		j.stopped = true
		running := j.started
		j.mu.Unlock()

		close(j.stopCleanup)
		if running {
			<-j.done
		}
	})
}

func (j *Janitor) cleanupLoop() {
	defer close(j.done)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.Sweep(context.Background())
		case <-j.stopCleanup:
			return
		}
	}
}

// Sweep runs one cleanup pass and returns the number of codes and tokens
// removed.
func (j *Janitor) Sweep(ctx context.Context) (codes, tokens int) {
	var err error
	if j.codes != nil {
		if codes, err = j.codes.CleanupExpired(ctx); err != nil {
			j.logger.Warn("Authorization code cleanup failed", "error", err)
		}
	}
	if j.tokens != nil {
		if tokens, err = j.tokens.CleanupExpired(ctx); err != nil {
			j.logger.Warn("Refresh token cleanup failed", "error", err)
		}
	}
	if codes > 0 || tokens > 0 {
		j.logger.Debug("Cleanup sweep finished", "codes", codes, "refresh_tokens", tokens)
	}
	if j.tokens != nil {
		stats, err := j.tokens.Statistics(ctx)
		if err != nil {
			j.logger.Warn("Refresh token statistics failed", "error", err)
		} else {
			j.logger.Info("Refresh token statistics",
				"total", stats.Total,
				"active", stats.Active,
				"expired", stats.Expired,
				"unique_clients", stats.UniqueClients,
				"unique_users", stats.UniqueUsers)
		}
	}
	return codes, tokens
}
