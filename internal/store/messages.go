package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/Martian-dev/mail-harvester/internal/model"
)

// messageRow mirrors the messages table.
type messageRow struct {
	ID               string        `db:"id"`
	Account          string        `db:"account"`
	Sender           string        `db:"sender"`
	SenderName       string        `db:"sender_name"`
	SenderAddress    string        `db:"sender_address"`
	Subject          string        `db:"subject"`
	Snippet          string        `db:"snippet"`
	BodyText         string        `db:"body_text"`
	BodyHTML         string        `db:"body_html"`
	ThreadID         string        `db:"thread_id"`
	Labels           string        `db:"labels"`
	HasAttachments   bool          `db:"has_attachments"`
	MsgDate          int64         `db:"msg_date"`
	FetchedAt        int64         `db:"fetched_at"`
	Platform         string        `db:"platform"`
	NotificationType string        `db:"notification_type"`
	OriginalURL      string        `db:"original_url"`
	Responded        bool          `db:"responded"`
	ResponseID       sql.NullInt64 `db:"response_id"`
}

const messageColumns = `id, account, sender, sender_name, sender_address, subject, snippet,
	body_text, body_html, thread_id, labels, has_attachments, msg_date, fetched_at,
	platform, notification_type, original_url, responded, response_id`

func (r messageRow) toModel() model.Message {
	m := model.Message{
		ID:               r.ID,
		Account:          r.Account,
		Sender:           r.Sender,
		SenderName:       r.SenderName,
		SenderAddress:    r.SenderAddress,
		Subject:          r.Subject,
		Snippet:          r.Snippet,
		BodyText:         r.BodyText,
		BodyHTML:         r.BodyHTML,
		ThreadID:         r.ThreadID,
		HasAttachments:   r.HasAttachments,
		Date:             time.Unix(r.MsgDate, 0).UTC(),
		FetchedAt:        time.Unix(r.FetchedAt, 0).UTC(),
		Platform:         r.Platform,
		NotificationType: r.NotificationType,
		OriginalURL:      r.OriginalURL,
		Responded:        r.Responded,
	}
	if err := json.Unmarshal([]byte(r.Labels), &m.Labels); err != nil {
		m.Labels = nil
	}
	if r.ResponseID.Valid {
		id := r.ResponseID.Int64
		m.ResponseID = &id
	}
	return m
}

// ExistingIDs loads every stored message id.
func (s *Store) ExistingIDs(ctx context.Context) (model.IDSet, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, "SELECT id FROM messages"); err != nil {
		return nil, fmt.Errorf("loading message ids: %w", err)
	}

	set := make(model.IDSet, len(ids))
	set.Add(ids...)
	return set, nil
}

// Exists reports whether a message with id is stored.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM messages WHERE id = ?", id); err != nil {
		return false, fmt.Errorf("checking message %s: %w", id, err)
	}
	return n > 0, nil
}

const upsertMessageSQL = `
	INSERT INTO messages (
		id, account, sender, sender_name, sender_address, subject, snippet,
		body_text, body_html, thread_id, labels, has_attachments,
		msg_date, fetched_at, platform, notification_type, original_url
	) VALUES (
		?, ?, ?, ?, ?, ?, ?,
		?, ?, ?, ?, ?,
		?, ?, ?, ?, ?
	)
	ON CONFLICT(id) DO UPDATE SET
		sender            = excluded.sender,
		sender_name       = excluded.sender_name,
		sender_address    = excluded.sender_address,
		subject           = excluded.subject,
		snippet           = excluded.snippet,
		body_text         = excluded.body_text,
		body_html         = excluded.body_html,
		thread_id         = excluded.thread_id,
		labels            = excluded.labels,
		has_attachments   = excluded.has_attachments,
		msg_date          = excluded.msg_date,
		fetched_at        = excluded.fetched_at,
		platform          = excluded.platform,
		notification_type = excluded.notification_type,
		original_url      = excluded.original_url`

// UpsertBatch writes msgs in one transaction. New ids are inserted; known
// ids get their content and classification overwritten while the
// responded flag and response reference stay as they were. Either every
// message in the batch is written or none is.
func (s *Store) UpsertBatch(ctx context.Context, msgs []model.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, upsertMessageSQL)
	if err != nil {
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, m := range msgs {
		if m.ID == "" {
			return fmt.Errorf("upserting message: empty id")
		}

		isNew := false
		if s.events != nil {
			var n int
			if err := tx.GetContext(ctx, &n, "SELECT COUNT(*) FROM messages WHERE id = ?", m.ID); err != nil {
				return fmt.Errorf("checking message %s: %w", m.ID, err)
			}
			isNew = n == 0
		}

		labels, err := json.Marshal(nonNil(m.Labels))
		if err != nil {
			return fmt.Errorf("encoding labels for %s: %w", m.ID, err)
		}

		_, err = stmt.ExecContext(ctx,
			m.ID, m.Account, m.Sender, m.SenderName, m.SenderAddress, m.Subject, m.Snippet,
			m.BodyText, m.BodyHTML, m.ThreadID, string(labels), m.HasAttachments,
			m.Date.Unix(), m.FetchedAt.Unix(), m.Platform, m.NotificationType, m.OriginalURL,
		)
		if err != nil {
			return fmt.Errorf("upserting message %s: %w", m.ID, err)
		}

		if isNew {
			if err := s.appendStoredEventTx(ctx, tx, m); err != nil {
				return err
			}
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}

	s.log.Debug("committed batch",
		zap.Int("batch_size", len(msgs)),
		zap.Int("events", inserted))
	return nil
}

// storedEvent is the payload published for each newly stored message.
type storedEvent struct {
	EventID          string    `json:"event_id"`
	Type             string    `json:"type"`
	MessageID        string    `json:"message_id"`
	Account          string    `json:"account"`
	Sender           string    `json:"sender"`
	Subject          string    `json:"subject"`
	Platform         string    `json:"platform"`
	NotificationType string    `json:"notification_type"`
	OriginalURL      string    `json:"original_url,omitempty"`
	Date             time.Time `json:"date"`
	FetchedAt        time.Time `json:"fetched_at"`
}

const storedEventType = "message.stored"

func (s *Store) appendStoredEventTx(ctx context.Context, tx *sqlx.Tx, m model.Message) error {
	msgID := storedEventType + "|" + m.ID
	payload, err := json.Marshal(storedEvent{
		EventID:          uuid.NewString(),
		Type:             storedEventType,
		MessageID:        m.ID,
		Account:          m.Account,
		Sender:           m.Sender,
		Subject:          m.Subject,
		Platform:         m.Platform,
		NotificationType: m.NotificationType,
		OriginalURL:      m.OriginalURL,
		Date:             m.Date,
		FetchedAt:        m.FetchedAt,
	})
	if err != nil {
		return fmt.Errorf("encoding event for %s: %w", m.ID, err)
	}

	subject := fmt.Sprintf("%s.%s.%s", s.events.SubjectPrefix, SubjectToken(m.Account), storedEventType)
	now := s.now().Unix()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now, subject, storedEventType, payload, msgID, now)
	if err != nil {
		return fmt.Errorf("inserting outbox entry for %s: %w", m.ID, err)
	}
	return nil
}

var subjectUnsafe = regexp.MustCompile(`[^a-z0-9_-]+`)

// SubjectToken turns an account name into a single NATS subject token.
func SubjectToken(name string) string {
	t := subjectUnsafe.ReplaceAllString(strings.ToLower(name), "_")
	if t == "" {
		return "_"
	}
	return t
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Get returns the message with id.
func (s *Store) Get(ctx context.Context, id string) (*model.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", id, err)
	}
	m := row.toModel()
	return &m, nil
}

// Count returns the number of stored messages.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM messages"); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return n, nil
}

// Recent returns the most recently fetched messages.
func (s *Store) Recent(ctx context.Context, limit int) ([]model.Message, error) {
	return s.selectMessages(ctx,
		"SELECT "+messageColumns+" FROM messages ORDER BY fetched_at DESC, msg_date DESC LIMIT ?",
		limit)
}

// Unresponded returns messages without a response, newest first. An empty
// account matches every account.
func (s *Store) Unresponded(ctx context.Context, account string, limit int) ([]model.Message, error) {
	query := "SELECT " + messageColumns + " FROM messages WHERE responded = 0"
	var args []any
	if account != "" {
		query += " AND account = ? COLLATE NOCASE"
		args = append(args, account)
	}
	query += " ORDER BY msg_date DESC LIMIT ?"
	args = append(args, limit)

	return s.selectMessages(ctx, query, args...)
}

func (s *Store) selectMessages(ctx context.Context, query string, args ...any) ([]model.Message, error) {
	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}

	msgs := make([]model.Message, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, r.toModel())
	}
	return msgs, nil
}
