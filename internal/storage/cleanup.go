package storage

import (
	"context"
	"fmt"
	"time"
)

// CleanupStaleTokens removes token records that have not been touched
// for longer than the retention period. A record only goes stale when
// its user stopped calling entirely, so removal just forces a fresh
// authorization on their next visit.
func (s *SQLiteStorage) CleanupStaleTokens(ctx context.Context, retentionPeriod time.Duration) (int64, error) {
	if retentionPeriod <= 0 {
		return 0, fmt.Errorf("%w: retention period must be positive", ErrInvalidInput)
	}

	query := `
		DELETE FROM tokens
		WHERE updated_at < datetime('now', ?)
	`
	result, err := s.db.ExecContext(ctx, query, fmt.Sprintf("-%d seconds", int64(retentionPeriod.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup stale tokens: %w", err)
	}

	return result.RowsAffected()
}

// Vacuum reclaims space freed by deleted records.
func (s *SQLiteStorage) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	return nil
}
