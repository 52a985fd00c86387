package imap

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/Martian-dev/mail-harvester/internal/mailbox"
)

const multipartMessage = "From: \"Reddit\" <noreply@redditmail.com>\r\n" +
	"Subject: =?UTF-8?Q?New_reply?=\r\n" +
	"Date: Tue, 02 Jan 2024 03:04:05 +0000\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=outer\r\n" +
	"\r\n" +
	"--outer\r\n" +
	"Content-Type: multipart/alternative; boundary=inner\r\n" +
	"\r\n" +
	"--inner\r\n" +
	"Content-Type: text/plain; charset=iso-8859-1\r\n" +
	"Content-Transfer-Encoding: quoted-printable\r\n" +
	"\r\n" +
	"caf=E9\r\n" +
	"--inner\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<b>hi</b>\r\n" +
	"--inner--\r\n" +
	"--outer\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=\"report.pdf\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"JVBERg==\r\n" +
	"--outer--\r\n"

const plainMessage = "From: a@example.com\r\n" +
	"Subject: plain\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"just text\r\n"

type fakeSession struct {
	validity uint32
	uids     []imap.UID
	messages map[imap.UID]string
	selected []string
	searches int
	fetchErr error
	closed   bool
}

func (f *fakeSession) Select(name string) (uint32, error) {
	if name == "Missing" {
		return 0, &imap.Error{Type: imap.StatusResponseTypeNo, Text: "no such mailbox"}
	}
	f.selected = append(f.selected, name)
	return f.validity, nil
}

func (f *fakeSession) SearchUIDs(*imap.SearchCriteria) ([]imap.UID, error) {
	f.searches++
	return append([]imap.UID(nil), f.uids...), nil
}

func (f *fakeSession) FetchRaw(uid imap.UID) ([]byte, time.Time, error) {
	if f.fetchErr != nil {
		return nil, time.Time{}, f.fetchErr
	}
	raw, ok := f.messages[uid]
	if !ok {
		return nil, time.Time{}, mailbox.ErrNotFound
	}
	return []byte(raw), time.Date(2024, 1, 2, 3, 4, 6, 0, time.UTC), nil
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

func newTestAdapter(sessions ...*fakeSession) (*Adapter, *int) {
	dials := 0
	a := NewWithDialer("me-work", func(context.Context) (Session, error) {
		s := sessions[min(dials, len(sessions)-1)]
		dials++
		return s, nil
	})
	return a, &dials
}

func TestListPageNewestFirst(t *testing.T) {
	sess := &fakeSession{validity: 7, uids: []imap.UID{1, 2, 3, 4, 5}}
	a, _ := newTestAdapter(sess)
	client := mailbox.NewClient(a, mailbox.Options{RequestInterval: -1, PageSize: 2})

	var ids []string
	for id, err := range client.ListMessageIDs(context.Background(), mailbox.Selector{Label: "INBOX"}) {
		if err != nil {
			t.Fatalf("ListMessageIDs() error = %v", err)
		}
		ids = append(ids, id)
	}

	want := "imap-me-work-7-5,imap-me-work-7-4,imap-me-work-7-3,imap-me-work-7-2,imap-me-work-7-1"
	if got := strings.Join(ids, ","); got != want {
		t.Errorf("ids = %s, want %s", got, want)
	}
	if sess.searches != 1 {
		t.Errorf("searches = %d, want 1", sess.searches)
	}
	if len(sess.selected) != 1 {
		t.Errorf("selects = %v, want one", sess.selected)
	}
}

func TestResolveMissingMailbox(t *testing.T) {
	a, _ := newTestAdapter(&fakeSession{})
	_, err := a.ResolveSelector(context.Background(), mailbox.Selector{Label: "Missing"})
	if !errors.Is(err, mailbox.ErrLabelNotFound) {
		t.Errorf("error = %v, want ErrLabelNotFound", err)
	}
}

func TestParseID(t *testing.T) {
	validity, uid, err := ParseID("imap-me-work-42-1001")
	if err != nil {
		t.Fatalf("ParseID() error = %v", err)
	}
	if validity != 42 || uid != 1001 {
		t.Errorf("ParseID() = %d, %d", validity, uid)
	}

	for _, bad := range []string{"m1", "imap-x-1", "imap-x-a-1", "gmail-x-1-2"} {
		if _, _, err := ParseID(bad); err == nil {
			t.Errorf("ParseID(%q) succeeded", bad)
		}
	}
}

func TestGetParsesMessage(t *testing.T) {
	sess := &fakeSession{validity: 7, messages: map[imap.UID]string{3: multipartMessage}}
	a, _ := newTestAdapter(sess)
	ctx := context.Background()

	if _, err := a.ResolveSelector(ctx, mailbox.Selector{Label: "INBOX"}); err != nil {
		t.Fatal(err)
	}
	msg, err := a.Get(ctx, "imap-me-work-7-3")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if msg.ID != "imap-me-work-7-3" || msg.Labels[0] != "INBOX" {
		t.Errorf("msg = %+v", msg)
	}
	if msg.Header("From") != `"Reddit" <noreply@redditmail.com>` {
		t.Errorf("From = %q", msg.Header("From"))
	}
	if len(msg.Payload.Parts) != 3 {
		t.Fatalf("leaves = %d, want 3", len(msg.Payload.Parts))
	}

	text, _ := mailbox.DecodeData(msg.Payload.Parts[0].Data)
	if strings.TrimSpace(string(text)) != "café" {
		t.Errorf("text = %q, want café", text)
	}
	if msg.Payload.Parts[1].MimeType != "text/html" {
		t.Errorf("second leaf = %q", msg.Payload.Parts[1].MimeType)
	}
	att := msg.Payload.Parts[2]
	if att.Filename != "report.pdf" {
		t.Errorf("attachment filename = %q", att.Filename)
	}
	if data, _ := mailbox.DecodeData(att.Data); string(data) != "%PDF" {
		t.Errorf("attachment data = %q", data)
	}
}

func TestParseSinglePart(t *testing.T) {
	msg, err := Parse([]byte(plainMessage))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if msg.Payload.IsContainer() || msg.Payload.MimeType != "text/plain" {
		t.Fatalf("payload = %+v", msg.Payload)
	}
	body, _ := mailbox.DecodeData(msg.Payload.Data)
	if strings.TrimSpace(string(body)) != "just text" {
		t.Errorf("body = %q", body)
	}
}

func TestGetRejectsStaleUIDValidity(t *testing.T) {
	sess := &fakeSession{validity: 8, messages: map[imap.UID]string{3: plainMessage}}
	a, _ := newTestAdapter(sess)

	_, err := a.Get(context.Background(), "imap-me-work-7-3")
	if !errors.Is(err, mailbox.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestConnectionErrorRedials(t *testing.T) {
	broken := &fakeSession{validity: 7, fetchErr: io.ErrUnexpectedEOF}
	healthy := &fakeSession{validity: 7, messages: map[imap.UID]string{3: plainMessage}}
	a, dials := newTestAdapter(broken, healthy)
	ctx := context.Background()

	_, err := a.Get(ctx, "imap-me-work-7-3")
	if !errors.Is(err, mailbox.ErrTransient) {
		t.Fatalf("first Get() error = %v, want ErrTransient", err)
	}
	if !broken.closed {
		t.Error("broken session not closed")
	}

	if _, err := a.Get(ctx, "imap-me-work-7-3"); err != nil {
		t.Fatalf("second Get() error = %v", err)
	}
	if *dials != 2 {
		t.Errorf("dials = %d, want 2", *dials)
	}
}
