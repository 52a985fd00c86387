package decode

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"go.uber.org/zap"

	"github.com/Martian-dev/mail-harvester/internal/logger"
	"github.com/Martian-dev/mail-harvester/internal/mailbox"
)

// ErrMalformed is matched by every DecodeError.
var ErrMalformed = errors.New("malformed payload")

// DecodeError reports a payload the decoder could not turn into a message.
type DecodeError struct {
	ID     string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %s: %v", e.ID, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %s: %s", e.ID, e.Reason)
}

func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMalformed}
	}
	return []error{ErrMalformed, e.Err}
}

// Decoded holds the fields extracted from one raw payload.
type Decoded struct {
	ID             string
	ThreadID       string
	Snippet        string
	Labels         []string
	Sender         string
	SenderName     string
	SenderAddress  string
	Subject        string
	Date           time.Time
	TextBody       string
	HTMLBody       string
	HasAttachments bool
}

// Decoder turns raw provider payloads into Decoded values.
type Decoder struct {
	// Now supplies the fallback timestamp for missing or unparseable Date
	// headers.
	Now func() time.Time

	Logger *zap.Logger
}

// New returns a Decoder using the wall clock.
func New() *Decoder {
	return &Decoder{Now: time.Now}
}

var (
	tagPattern   = regexp.MustCompile(`<[^>]+>`)
	spacePattern = regexp.MustCompile(`\s+`)
)

// Decode extracts headers, body text and attachment presence from msg.
func (d *Decoder) Decode(msg *mailbox.RawMessage) (Decoded, error) {
	if msg == nil {
		return Decoded{}, &DecodeError{Reason: "nil message"}
	}
	if msg.Payload == nil {
		return Decoded{}, &DecodeError{ID: msg.ID, Reason: "missing payload"}
	}

	h := headerOf(msg)
	out := Decoded{
		ID:       msg.ID,
		ThreadID: msg.ThreadID,
		Snippet:  msg.Snippet,
		Labels:   msg.Labels,
		Sender:   msg.Header("From"),
		Subject:  textHeader(h, "Subject"),
	}
	out.SenderName, out.SenderAddress = splitAddress(h, out.Sender)

	date, err := h.Date()
	if err != nil || date.IsZero() {
		date = d.now()
	}
	out.Date = date

	plain, html := findBodies(msg.Payload)
	var htmlErr error
	if html != nil {
		out.HTMLBody, htmlErr = partText(html)
	}
	switch {
	case plain != nil:
		body, err := partText(plain)
		if err != nil {
			return Decoded{}, &DecodeError{ID: msg.ID, Reason: "text part", Err: err}
		}
		out.TextBody = body
		// The html part is optional once a plain body exists.
		if htmlErr != nil {
			logger.OrNop(d.Logger).Warn("dropping undecodable html part",
				zap.String("message_id", msg.ID), zap.Error(htmlErr))
		}
	case htmlErr != nil:
		return Decoded{}, &DecodeError{ID: msg.ID, Reason: "html part", Err: htmlErr}
	case html != nil:
		out.TextBody = StripHTML(out.HTMLBody)
	}

	msg.Payload.Walk(func(p *mailbox.Part) bool {
		if p.Filename != "" {
			out.HasAttachments = true
			return false
		}
		return true
	})

	return out, nil
}

func (d *Decoder) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}

// StripHTML replaces tags with spaces and collapses whitespace.
func StripHTML(s string) string {
	s = tagPattern.ReplaceAllString(s, " ")
	s = spacePattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// headerOf copies the first value of each header the decoder reads into a
// go-message header, which handles case folding and RFC 2047 words.
func headerOf(msg *mailbox.RawMessage) mail.Header {
	var th textproto.Header
	for _, key := range []string{"From", "Subject", "Date"} {
		if v := msg.Header(key); v != "" {
			th.Set(key, v)
		}
	}
	return mail.Header{Header: message.Header{Header: th}}
}

func textHeader(h mail.Header, key string) string {
	v, err := h.Text(key)
	if err != nil {
		return h.Get(key)
	}
	return v
}

// splitAddress returns the display name and address of a From header.
func splitAddress(h mail.Header, raw string) (name, addr string) {
	list, err := h.AddressList("From")
	if err == nil && len(list) > 0 {
		return list[0].Name, strings.ToLower(list[0].Address)
	}

	raw = strings.TrimSpace(raw)
	if lt := strings.LastIndex(raw, "<"); lt >= 0 {
		if gt := strings.Index(raw[lt:], ">"); gt > 0 {
			name = strings.Trim(strings.TrimSpace(raw[:lt]), `"`)
			return name, strings.ToLower(strings.TrimSpace(raw[lt+1 : lt+gt]))
		}
	}
	if strings.Contains(raw, "@") {
		return "", strings.ToLower(raw)
	}
	return raw, ""
}

// findBodies returns the first text/plain and first text/html leaves with
// data, searching depth-first.
func findBodies(root *mailbox.Part) (plain, html *mailbox.Part) {
	root.Walk(func(p *mailbox.Part) bool {
		if p.IsContainer() || p.Data == "" {
			return true
		}
		switch mediaType(p.MimeType) {
		case "text/plain":
			if plain == nil {
				plain = p
			}
		case "text/html":
			if html == nil {
				html = p
			}
		}
		return plain == nil || html == nil
	})
	return plain, html
}

func mediaType(s string) string {
	mt, _, err := mime.ParseMediaType(s)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(s))
	}
	return mt
}

// partText decodes a leaf's data and converts it to UTF-8 using the
// charset from its Content-Type header, if any.
func partText(p *mailbox.Part) (string, error) {
	raw, err := mailbox.DecodeData(p.Data)
	if err != nil {
		return "", fmt.Errorf("base64url: %w", err)
	}

	label := partCharset(p)
	if label == "" || strings.EqualFold(label, "utf-8") || strings.EqualFold(label, "us-ascii") {
		return string(raw), nil
	}

	r, err := charset.Reader(label, bytes.NewReader(raw))
	if err != nil {
		// Unknown charsets are passed through as-is.
		return string(raw), nil
	}
	converted, err := io.ReadAll(r)
	if err != nil {
		return string(raw), nil
	}
	return string(converted), nil
}

func partCharset(p *mailbox.Part) string {
	for _, h := range p.Headers {
		if !strings.EqualFold(h.Name, "Content-Type") {
			continue
		}
		_, params, err := mime.ParseMediaType(h.Value)
		if err != nil {
			return ""
		}
		return params["charset"]
	}
	return ""
}
