package auth

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"tunebridge/internal/metrics"
	"tunebridge/internal/request"
	"tunebridge/internal/worker"
)

// RefreshSweeper periodically walks all stored credentials and queues
// a refresh job for any that are inside the expiry margin, so access
// tokens are usually renewed before a caller has to wait on it.
type RefreshSweeper struct {
	manager  *Manager
	pool     *worker.Pool
	interval time.Duration
	logger   zerolog.Logger
}

// NewRefreshSweeper builds a sweeper that submits refresh jobs to the
// given pool.
func NewRefreshSweeper(manager *Manager, pool *worker.Pool, interval time.Duration, logger zerolog.Logger) *RefreshSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &RefreshSweeper{
		manager:  manager,
		pool:     pool,
		interval: interval,
		logger:   logger,
	}
}

// Run sweeps on the configured interval until the context is canceled.
func (s *RefreshSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *RefreshSweeper) sweep(ctx context.Context) {
	users, err := s.manager.Users(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("refresh sweep could not list users")
		return
	}

	queued := 0
	for _, userID := range users {
		if s.pool.Submit(&refreshJob{manager: s.manager, userID: userID}) {
			queued++
		} else {
			s.logger.Debug().Str("user_id", userID).Msg("refresh queue full, skipping user this sweep")
		}
	}

	if queued > 0 {
		s.logger.Debug().Int("queued", queued).Int("users", len(users)).Msg("refresh sweep queued jobs")
	}
}

// refreshJob renews one user's credential if it is close to expiry.
type refreshJob struct {
	manager *Manager
	userID  string
}

func (j *refreshJob) Process(ctx context.Context) error {
	metrics.RefreshJobsInFlight.Inc()
	defer metrics.RefreshJobsInFlight.Dec()

	err := j.manager.EnsureFresh(ctx, j.userID)
	if err == nil {
		return nil
	}
	// A dead credential cannot be renewed in the background; the user
	// has to run a new flow. Retrying would only burn the budget.
	if request.IsKind(err, request.KindAuth) {
		return nil
	}
	return err
}
