package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// Watermark returns the durable pull watermark (unix ms).
// Returns 0 when no pull has ever completed.
func (s *Store) Watermark(ctx context.Context) (int64, error) {
	return s.metaInt(ctx, s.conn, metaPullWatermark)
}

// WatermarkTx reads the pull watermark on the given handle, so a
// compare-and-advance inside a transaction sees that transaction's
// own writes rather than the pool's view.
func (s *Store) WatermarkTx(ctx context.Context, dbtx DBTX) (int64, error) {
	return s.metaInt(ctx, dbtx, metaPullWatermark)
}

// SetWatermarkTx advances the pull watermark on the given handle. The
// merge resolver calls this inside the same transaction that applies the
// pulled snapshot, so the watermark and the data can never go out of step.
func (s *Store) SetWatermarkTx(ctx context.Context, dbtx DBTX, watermark int64) error {
	return s.setMetaInt(ctx, dbtx, metaPullWatermark, watermark)
}

// LastPushAt returns the time of the last successful push (unix ms, 0 if never).
func (s *Store) LastPushAt(ctx context.Context) (int64, error) {
	return s.metaInt(ctx, s.conn, metaLastPushAt)
}

// SetLastPushAt records the time of the last successful push.
func (s *Store) SetLastPushAt(ctx context.Context, ts int64) error {
	return s.setMetaInt(ctx, s.conn, metaLastPushAt, ts)
}

func (s *Store) metaInt(ctx context.Context, dbtx DBTX, key string) (int64, error) {
	var value string
	err := dbtx.QueryRowContext(ctx,
		`SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read sync meta %s: %w", key, err)
	}

	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt sync meta %s=%q: %w", key, value, err)
	}
	return n, nil
}

func (s *Store) setMetaInt(ctx context.Context, dbtx DBTX, key string, value int64) error {
	_, err := dbtx.ExecContext(ctx, `
	INSERT INTO sync_meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, strconv.FormatInt(value, 10))
	if err != nil {
		return fmt.Errorf("failed to write sync meta %s: %w", key, err)
	}
	return nil
}
