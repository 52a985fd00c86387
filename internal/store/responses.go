package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Martian-dev/mail-harvester/internal/model"
)

type responseRow struct {
	ID        int64         `db:"id"`
	MessageID string        `db:"message_id"`
	Account   string        `db:"account"`
	Content   string        `db:"content"`
	Notes     string        `db:"notes"`
	CreatedAt int64         `db:"created_at"`
	Used      bool          `db:"used"`
	UsedAt    sql.NullInt64 `db:"used_at"`
}

func (r responseRow) toModel() model.Response {
	resp := model.Response{
		ID:        r.ID,
		MessageID: r.MessageID,
		Account:   r.Account,
		Content:   r.Content,
		Notes:     r.Notes,
		CreatedAt: time.Unix(r.CreatedAt, 0).UTC(),
		Used:      r.Used,
	}
	if r.UsedAt.Valid {
		t := time.Unix(r.UsedAt.Int64, 0).UTC()
		resp.UsedAt = &t
	}
	return resp
}

const responseColumns = "id, message_id, account, content, notes, created_at, used, used_at"

// CreateResponse drafts a reply to a stored message and marks the message
// as responded.
func (s *Store) CreateResponse(ctx context.Context, messageID, content, notes string) (*model.Response, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var account string
	err = tx.GetContext(ctx, &account, "SELECT account FROM messages WHERE id = ?", messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up message %s: %w", messageID, err)
	}

	now := s.now().Unix()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO responses (message_id, account, content, notes, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, messageID, account, content, notes, now)
	if err != nil {
		return nil, fmt.Errorf("inserting response: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading response id: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE messages SET responded = 1, response_id = ? WHERE id = ?", id, messageID); err != nil {
		return nil, fmt.Errorf("marking message %s responded: %w", messageID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing response: %w", err)
	}

	return &model.Response{
		ID:        id,
		MessageID: messageID,
		Account:   account,
		Content:   content,
		Notes:     notes,
		CreatedAt: time.Unix(now, 0).UTC(),
	}, nil
}

// GetResponse returns the response with id.
func (s *Store) GetResponse(ctx context.Context, id int64) (*model.Response, error) {
	var row responseRow
	err := s.db.GetContext(ctx, &row, "SELECT "+responseColumns+" FROM responses WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("response %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting response %d: %w", id, err)
	}
	r := row.toModel()
	return &r, nil
}

// ListResponses returns responses newest first, optionally only unused ones.
func (s *Store) ListResponses(ctx context.Context, unusedOnly bool, limit int) ([]model.Response, error) {
	query := "SELECT " + responseColumns + " FROM responses"
	if unusedOnly {
		query += " WHERE used = 0"
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"

	var rows []responseRow
	if err := s.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("listing responses: %w", err)
	}

	out := make([]model.Response, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// MarkResponseUsed records that a drafted response was posted.
func (s *Store) MarkResponseUsed(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE responses SET used = 1, used_at = ? WHERE id = ?", s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("marking response %d used: %w", id, err)
	}
	return requireRow(res, fmt.Sprintf("response %d", id))
}

// UpdateResponse replaces a response's content.
func (s *Store) UpdateResponse(ctx context.Context, id int64, content string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE responses SET content = ? WHERE id = ?", content, id)
	if err != nil {
		return fmt.Errorf("updating response %d: %w", id, err)
	}
	return requireRow(res, fmt.Sprintf("response %d", id))
}

func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
