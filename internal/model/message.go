package model

import "time"

// Message is a harvested notification email in its unified, stored form.
type Message struct {
	ID               string    `json:"id"`
	Account          string    `json:"account"`
	Sender           string    `json:"sender"`
	SenderName       string    `json:"sender_name"`
	SenderAddress    string    `json:"sender_address"`
	Subject          string    `json:"subject"`
	Snippet          string    `json:"snippet,omitempty"`
	BodyText         string    `json:"body_text"`
	BodyHTML         string    `json:"body_html,omitempty"`
	ThreadID         string    `json:"thread_id,omitempty"`
	Labels           []string  `json:"labels"`
	HasAttachments   bool      `json:"has_attachments"`
	Date             time.Time `json:"date"`
	FetchedAt        time.Time `json:"fetched_at"`
	Platform         string    `json:"platform"`
	NotificationType string    `json:"notification_type"`
	OriginalURL      string    `json:"original_url,omitempty"`

	// Set only by the response workflow; upserts leave them untouched.
	Responded  bool   `json:"responded"`
	ResponseID *int64 `json:"response_id,omitempty"`
}

// Response is a drafted reply attached to a message by a reviewer.
type Response struct {
	ID        int64      `json:"id"`
	MessageID string     `json:"message_id"`
	Account   string     `json:"account"`
	Content   string     `json:"content"`
	Notes     string     `json:"notes,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	Used      bool       `json:"used"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
}

// Stats aggregates store-wide counters for reporting.
type Stats struct {
	TotalMessages   int            `json:"total_messages"`
	Responded       int            `json:"responded"`
	Unresponded     int            `json:"unresponded"`
	TotalResponses  int            `json:"total_responses"`
	UnusedResponses int            `json:"unused_responses"`
	ByAccount       map[string]int `json:"by_account"`
	ByPlatform      map[string]int `json:"by_platform"`
	ByType          map[string]int `json:"by_type"`
	LastSync        *time.Time     `json:"last_sync,omitempty"`
}
