package mailbox

import (
	"encoding/base64"
	"strings"
	"time"
)

// Header is a single raw message header. Order and duplicates are kept.
type Header struct {
	Name  string
	Value string
}

// Part is one node of a message body tree. A part with children is a
// multipart container; a part without children is a leaf carrying Data.
type Part struct {
	MimeType string
	Filename string
	Headers  []Header

	// Data is the leaf body, base64url encoded with or without padding.
	Data string

	Parts []*Part
}

// IsContainer reports whether the part is a multipart container.
func (p *Part) IsContainer() bool { return len(p.Parts) > 0 }

// Walk visits p and its descendants depth-first, in document order,
// until fn returns false.
func (p *Part) Walk(fn func(*Part) bool) bool {
	if p == nil {
		return true
	}
	if !fn(p) {
		return false
	}
	for _, child := range p.Parts {
		if !child.Walk(fn) {
			return false
		}
	}
	return true
}

// RawMessage is the provider-neutral detail payload returned by a backend.
type RawMessage struct {
	ID           string
	ThreadID     string
	Snippet      string
	Labels       []string
	InternalDate time.Time
	Payload      *Part
}

// Header returns the first top-level header named name, ignoring case.
func (m *RawMessage) Header(name string) string {
	if m.Payload == nil {
		return ""
	}
	for _, h := range m.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// EncodeData encodes a leaf body the way backends hand it to the decoder.
func EncodeData(b []byte) string {
	return base64.URLEncoding.EncodeToString(b)
}

// DecodeData decodes base64url leaf data, tolerating missing or extra padding.
func DecodeData(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
