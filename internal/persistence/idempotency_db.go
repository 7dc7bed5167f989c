package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"PerpVault/internal/observability"
)

// dedupLookupTimeout bounds the cold-path lookup; the core treats a
// failed lookup as "not seen".
const dedupLookupTimeout = 500 * time.Millisecond

// PostgresIdempotencyChecker is the second dedup tier behind the core's LRU.
// Every sequenced command, rejected ones included, has a row in the log
// under the unique (event_type, idempotency_key) index.
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewPostgresIdempotencyChecker(db *sql.DB, metrics *observability.Metrics) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db, metrics: metrics}
}

// IsDuplicate reports whether the command is already in the event log.
// eventType is the stored command name, e.g. "OpenPosition".
func (pic *PostgresIdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dedupLookupTimeout)
	defer cancel()

	var exists bool
	err := pic.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM event_log.events
			WHERE event_type = $1 AND idempotency_key = $2
		)
	`, eventType, idempotencyKey).Scan(&exists)
	if err != nil {
		if pic.metrics != nil {
			pic.metrics.PersistErrors.WithLabelValues("dedup_lookup").Inc()
		}
		return false, fmt.Errorf("dedup lookup %s/%s: %w", eventType, idempotencyKey, err)
	}
	return exists, nil
}
