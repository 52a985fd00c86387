package imap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/Martian-dev/mail-harvester/internal/mailbox"
)

// Session is the subset of an IMAP connection the adapter uses.
type Session interface {
	// Select opens name read-only and returns its UIDVALIDITY.
	Select(name string) (uint32, error)
	SearchUIDs(criteria *imap.SearchCriteria) ([]imap.UID, error)
	// FetchRaw returns the full RFC 5322 message and its internal date.
	FetchRaw(uid imap.UID) ([]byte, time.Time, error)
	Close() error
}

// Dialer opens an authenticated session.
type Dialer func(ctx context.Context) (Session, error)

// Config holds IMAP connection settings.
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	TLS      bool
}

// Adapter implements mailbox.Backend over IMAP. Labels are mailboxes and
// message ids have the form imap-<account>-<uidvalidity>-<uid>.
type Adapter struct {
	account string
	dial    Dialer

	mu          sync.Mutex
	sess        Session
	selected    string
	uidValidity uint32
	// uids caches the search result of the current listing, newest first.
	uids []imap.UID
}

// New creates an adapter that dials cfg on first use.
func New(account string, cfg Config) *Adapter {
	return NewWithDialer(account, DialFunc(cfg))
}

// NewWithDialer creates an adapter using dial to open sessions.
func NewWithDialer(account string, dial Dialer) *Adapter {
	return &Adapter{account: account, dial: dial}
}

// DialFunc returns a Dialer connecting with imapclient.
func DialFunc(cfg Config) Dialer {
	return func(ctx context.Context) (Session, error) {
		addr := net.JoinHostPort(cfg.Host, cfg.Port)

		var (
			client *imapclient.Client
			err    error
		)
		if cfg.TLS {
			client, err = imapclient.DialTLS(addr, nil)
		} else {
			client, err = imapclient.DialStartTLS(addr, nil)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: connecting to IMAP %s: %v", mailbox.ErrTransient, addr, err)
		}

		if err := client.Login(cfg.Username, cfg.Password).Wait(); err != nil {
			_ = client.Logout().Wait()
			return nil, fmt.Errorf("%w: login as %s: %v", mailbox.ErrPermissionDenied, cfg.Username, err)
		}
		return &clientSession{c: client}, nil
	}
}

// Close logs out of the open session, if any.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resetLocked()
}

func (a *Adapter) resetLocked() error {
	if a.sess == nil {
		return nil
	}
	err := a.sess.Close()
	a.sess = nil
	a.selected = ""
	a.uids = nil
	return err
}

// withSession runs fn on the open session, dialing first if needed. A
// failing or cancelled command drops the connection so the next call
// starts fresh.
func (a *Adapter) withSession(ctx context.Context, fn func(Session) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sess == nil {
		sess, err := a.dial(ctx)
		if err != nil {
			return err
		}
		a.sess = sess
	}

	sess := a.sess
	stop := context.AfterFunc(ctx, func() { _ = sess.Close() })
	err := fn(sess)
	if !stop() {
		_ = a.resetLocked()
		return ctx.Err()
	}

	if err != nil && isConnError(err) {
		_ = a.resetLocked()
		return fmt.Errorf("%w: %v", mailbox.ErrTransient, err)
	}
	return err
}

func (a *Adapter) selectLocked(sess Session, name string) error {
	if a.selected == name {
		return nil
	}
	validity, err := sess.Select(name)
	if err != nil {
		var ierr *imap.Error
		if errors.As(err, &ierr) && ierr.Type == imap.StatusResponseTypeNo {
			return fmt.Errorf("%w: %q", mailbox.ErrLabelNotFound, name)
		}
		return err
	}
	a.selected = name
	a.uidValidity = validity
	a.uids = nil
	return nil
}

// ResolveSelector checks that the mailbox exists.
func (a *Adapter) ResolveSelector(ctx context.Context, sel mailbox.Selector) (mailbox.Selector, error) {
	name := sel.Label
	if name == "" {
		name = "INBOX"
	}
	err := a.withSession(ctx, func(sess Session) error {
		return a.selectLocked(sess, name)
	})
	if err != nil {
		return sel, err
	}
	sel.LabelID = name
	return sel, nil
}

// ListPage returns one page of ids, newest first. The search runs once per
// listing; page tokens are offsets into its result.
func (a *Adapter) ListPage(ctx context.Context, sel mailbox.Selector, pageToken string, pageSize int) (mailbox.Page, error) {
	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 0 {
			return mailbox.Page{}, fmt.Errorf("invalid page token %q", pageToken)
		}
		offset = n
	}

	var page mailbox.Page
	err := a.withSession(ctx, func(sess Session) error {
		if err := a.selectLocked(sess, sel.LabelID); err != nil {
			return err
		}

		if offset == 0 || a.uids == nil {
			criteria := &imap.SearchCriteria{}
			if sel.Query != "" {
				criteria.Text = []string{sel.Query}
			}
			uids, err := sess.SearchUIDs(criteria)
			if err != nil {
				return fmt.Errorf("searching %s: %w", sel.LabelID, err)
			}
			slices.Reverse(uids)
			a.uids = uids
		}

		end := min(offset+pageSize, len(a.uids))
		for _, uid := range a.uids[min(offset, end):end] {
			page.IDs = append(page.IDs, a.messageID(uid))
		}
		if end < len(a.uids) {
			page.NextPageToken = strconv.Itoa(end)
		}
		return nil
	})
	return page, err
}

func (a *Adapter) messageID(uid imap.UID) string {
	return fmt.Sprintf("imap-%s-%d-%d", a.account, a.uidValidity, uid)
}

// ParseID splits an IMAP message id into its UIDVALIDITY and UID.
func ParseID(id string) (validity uint32, uid imap.UID, err error) {
	parts := strings.Split(id, "-")
	if len(parts) < 4 || parts[0] != "imap" {
		return 0, 0, fmt.Errorf("not an IMAP message id: %q", id)
	}
	v, err := strconv.ParseUint(parts[len(parts)-2], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("bad uidvalidity in %q: %w", id, err)
	}
	u, err := strconv.ParseUint(parts[len(parts)-1], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("bad uid in %q: %w", id, err)
	}
	return uint32(v), imap.UID(u), nil
}

// Get fetches one message from the selected mailbox.
func (a *Adapter) Get(ctx context.Context, id string) (*mailbox.RawMessage, error) {
	validity, uid, err := ParseID(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mailbox.ErrNotFound, err)
	}

	var (
		raw      []byte
		received time.Time
		label    string
	)
	err = a.withSession(ctx, func(sess Session) error {
		if a.selected == "" {
			if err := a.selectLocked(sess, "INBOX"); err != nil {
				return err
			}
		}
		if validity != a.uidValidity {
			return fmt.Errorf("%w: uidvalidity of %s changed", mailbox.ErrNotFound, id)
		}
		label = a.selected

		var err error
		raw, received, err = sess.FetchRaw(uid)
		return err
	})
	if err != nil {
		return nil, err
	}

	msg, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing message %s: %w", id, err)
	}
	msg.ID = id
	msg.InternalDate = received
	msg.Labels = []string{label}
	return msg, nil
}

// Parse converts an RFC 5322 message into the provider-neutral payload.
// Leaf bodies are transfer-decoded and converted to UTF-8.
func Parse(raw []byte) (*mailbox.RawMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, err
	}
	defer mr.Close()

	root := &mailbox.Part{}
	fields := mr.Header.Fields()
	for fields.Next() {
		root.Headers = append(root.Headers, mailbox.Header{Name: fields.Key(), Value: fields.Value()})
	}
	root.MimeType, _, _ = mr.Header.ContentType()

	var leaves []*mailbox.Part
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, err
		}
		if p == nil {
			break
		}

		body, err := io.ReadAll(p.Body)
		if err != nil {
			return nil, fmt.Errorf("reading part: %w", err)
		}

		leaf := &mailbox.Part{Data: mailbox.EncodeData(body)}
		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			leaf.MimeType, _, _ = h.ContentType()
		case *mail.AttachmentHeader:
			leaf.MimeType, _, _ = h.ContentType()
			leaf.Filename, _ = h.Filename()
			if leaf.Filename == "" {
				leaf.Filename = "attachment"
			}
		}
		if leaf.MimeType == "" {
			leaf.MimeType = "text/plain"
		}
		leaf.Headers = []mailbox.Header{{Name: "Content-Type", Value: leaf.MimeType + "; charset=utf-8"}}
		leaves = append(leaves, leaf)
	}

	// Single-part messages carry their body on the root.
	if len(leaves) == 1 && !strings.HasPrefix(root.MimeType, "multipart/") {
		root.MimeType = leaves[0].MimeType
		root.Filename = leaves[0].Filename
		root.Data = leaves[0].Data
		root.Headers = append(root.Headers, leaves[0].Headers...)
	} else {
		if root.MimeType == "" {
			root.MimeType = "multipart/mixed"
		}
		root.Parts = leaves
	}

	return &mailbox.RawMessage{Payload: root}, nil
}

func isConnError(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}

// clientSession adapts imapclient to Session.
type clientSession struct {
	c *imapclient.Client
}

func (s *clientSession) Select(name string) (uint32, error) {
	data, err := s.c.Select(name, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return 0, err
	}
	return data.UIDValidity, nil
}

func (s *clientSession) SearchUIDs(criteria *imap.SearchCriteria) ([]imap.UID, error) {
	data, err := s.c.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, err
	}
	return data.AllUIDs(), nil
}

func (s *clientSession) FetchRaw(uid imap.UID) ([]byte, time.Time, error) {
	section := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := s.c.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{section},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		if err := fetchCmd.Close(); err != nil {
			return nil, time.Time{}, err
		}
		return nil, time.Time{}, fmt.Errorf("%w: uid %d", mailbox.ErrNotFound, uid)
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("collecting message data: %w", err)
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, time.Time{}, err
	}

	raw := buf.FindBodySection(section)
	if raw == nil {
		return nil, time.Time{}, fmt.Errorf("%w: uid %d has no body", mailbox.ErrNotFound, uid)
	}
	return raw, buf.InternalDate, nil
}

// Close drops the connection without LOGOUT so it is safe to call while a
// command is in flight.
func (s *clientSession) Close() error {
	return s.c.Close()
}
