package gmail

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mail-harvester/internal/mailbox"
)

// Adapter implements mailbox.Backend for the Gmail REST API.
type Adapter struct {
	svc  *gmail.Service
	user string

	// labels maps lower-cased label names and ids to label ids. Loaded on
	// first use and kept for the adapter's lifetime.
	mu     sync.Mutex
	labels map[string]string
}

// New creates a Gmail adapter that sends requests through client.
func New(ctx context.Context, client *http.Client, opts ...option.ClientOption) (*Adapter, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return &Adapter{svc: svc, user: "me"}, nil
}

// ResolveSelector maps a label name to its id, ignoring case.
func (a *Adapter) ResolveSelector(ctx context.Context, sel mailbox.Selector) (mailbox.Selector, error) {
	if sel.Label == "" || sel.LabelID != "" {
		return sel, nil
	}

	labels, err := a.loadLabels(ctx)
	if err != nil {
		return sel, err
	}

	id, ok := labels[strings.ToLower(sel.Label)]
	if !ok {
		return sel, fmt.Errorf("%w: %q", mailbox.ErrLabelNotFound, sel.Label)
	}
	sel.LabelID = id
	return sel, nil
}

func (a *Adapter) loadLabels(ctx context.Context) (map[string]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.labels != nil {
		return a.labels, nil
	}

	resp, err := a.svc.Users.Labels.List(a.user).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list labels: %w", mapError(err))
	}

	labels := make(map[string]string, 2*len(resp.Labels))
	for _, l := range resp.Labels {
		labels[strings.ToLower(l.Id)] = l.Id
	}
	// Names win over ids when they collide.
	for _, l := range resp.Labels {
		labels[strings.ToLower(l.Name)] = l.Id
	}
	a.labels = labels
	return labels, nil
}

// ListPage lists one page of message ids.
func (a *Adapter) ListPage(ctx context.Context, sel mailbox.Selector, pageToken string, pageSize int) (mailbox.Page, error) {
	call := a.svc.Users.Messages.List(a.user).
		IncludeSpamTrash(false).
		MaxResults(int64(pageSize)).
		Context(ctx)
	if sel.LabelID != "" {
		call = call.LabelIds(sel.LabelID)
	}
	if sel.Query != "" {
		call = call.Q(sel.Query)
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return mailbox.Page{}, fmt.Errorf("failed to list messages: %w", mapError(err))
	}

	page := mailbox.Page{
		IDs:           make([]string, 0, len(resp.Messages)),
		NextPageToken: resp.NextPageToken,
	}
	for _, m := range resp.Messages {
		page.IDs = append(page.IDs, m.Id)
	}
	return page, nil
}

// Get fetches one message in full format.
func (a *Adapter) Get(ctx context.Context, id string) (*mailbox.RawMessage, error) {
	m, err := a.svc.Users.Messages.Get(a.user, id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, mapError(err))
	}
	return normalize(m), nil
}

// normalize converts a Gmail message to the provider-neutral payload.
func normalize(m *gmail.Message) *mailbox.RawMessage {
	return &mailbox.RawMessage{
		ID:           m.Id,
		ThreadID:     m.ThreadId,
		Snippet:      m.Snippet,
		Labels:       m.LabelIds,
		InternalDate: time.UnixMilli(m.InternalDate),
		Payload:      convertPart(m.Payload),
	}
}

func convertPart(p *gmail.MessagePart) *mailbox.Part {
	if p == nil {
		return nil
	}

	part := &mailbox.Part{
		MimeType: p.MimeType,
		Filename: p.Filename,
	}
	for _, h := range p.Headers {
		part.Headers = append(part.Headers, mailbox.Header{Name: h.Name, Value: h.Value})
	}
	if p.Body != nil {
		part.Data = p.Body.Data
	}
	for _, child := range p.Parts {
		part.Parts = append(part.Parts, convertPart(child))
	}
	return part
}

// rateLimitReasons are 403 reasons Gmail uses for quota throttling.
var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
}

// mapError translates Gmail API failures into mailbox error values.
func mapError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", mailbox.ErrRateLimited, err)
		case http.StatusForbidden:
			for _, item := range gerr.Errors {
				if rateLimitReasons[item.Reason] {
					return fmt.Errorf("%w: %v", mailbox.ErrRateLimited, err)
				}
			}
			return fmt.Errorf("%w: %v", mailbox.ErrPermissionDenied, err)
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %v", mailbox.ErrPermissionDenied, err)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", mailbox.ErrNotFound, err)
		case http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return fmt.Errorf("%w: %v", mailbox.ErrTransient, err)
		}
		return err
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return fmt.Errorf("%w: %v", mailbox.ErrPermissionDenied, err)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return fmt.Errorf("%w: %v", mailbox.ErrTransient, err)
	}
	return err
}
