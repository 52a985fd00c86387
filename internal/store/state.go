package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Martian-dev/mail-harvester/internal/model"
)

// GlobalWatermark is the sync_state key for the last completed pass.
const GlobalWatermark = "last_sync"

// AccountWatermark is the sync_state key for one account's last clean sync.
func AccountWatermark(account string) string {
	return GlobalWatermark + ":" + account
}

// GetWatermark returns the timestamp stored under key. ok is false when
// nothing was recorded yet.
func (s *Store) GetWatermark(ctx context.Context, key string) (t time.Time, ok bool, err error) {
	var value string
	err = s.db.GetContext(ctx, &value, "SELECT value FROM sync_state WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("loading watermark %s: %w", key, err)
	}

	t, err = time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing watermark %s: %w", key, err)
	}
	return t, true, nil
}

// SetWatermark records t under key.
func (s *Store) SetWatermark(ctx context.Context, key string, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, t.UTC().Format(time.RFC3339), s.now().Unix())
	if err != nil {
		return fmt.Errorf("saving watermark %s: %w", key, err)
	}
	return nil
}

type groupCount struct {
	Key   string `db:"k"`
	Count int    `db:"n"`
}

// Stats aggregates message and response counters.
func (s *Store) Stats(ctx context.Context) (*model.Stats, error) {
	st := &model.Stats{}

	counts := []struct {
		dst   *int
		query string
	}{
		{&st.TotalMessages, "SELECT COUNT(*) FROM messages"},
		{&st.Responded, "SELECT COUNT(*) FROM messages WHERE responded = 1"},
		{&st.TotalResponses, "SELECT COUNT(*) FROM responses"},
		{&st.UnusedResponses, "SELECT COUNT(*) FROM responses WHERE used = 0"},
	}
	for _, c := range counts {
		if err := s.db.GetContext(ctx, c.dst, c.query); err != nil {
			return nil, fmt.Errorf("computing stats: %w", err)
		}
	}
	st.Unresponded = st.TotalMessages - st.Responded

	var err error
	if st.ByAccount, err = s.groupCounts(ctx, "account"); err != nil {
		return nil, err
	}
	if st.ByPlatform, err = s.groupCounts(ctx, "platform"); err != nil {
		return nil, err
	}
	if st.ByType, err = s.groupCounts(ctx, "notification_type"); err != nil {
		return nil, err
	}

	last, ok, err := s.GetWatermark(ctx, GlobalWatermark)
	if err != nil {
		return nil, err
	}
	if ok {
		st.LastSync = &last
	}
	return st, nil
}

// groupCounts counts messages per value of column, which must be a
// trusted identifier.
func (s *Store) groupCounts(ctx context.Context, column string) (map[string]int, error) {
	var rows []groupCount
	query := fmt.Sprintf("SELECT %s AS k, COUNT(*) AS n FROM messages GROUP BY %s", column, column)
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("counting by %s: %w", column, err)
	}

	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Count
	}
	return out, nil
}
