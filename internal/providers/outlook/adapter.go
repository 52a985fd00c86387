package outlook

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	abstractions "github.com/microsoft/kiota-abstractions-go"
	absauth "github.com/microsoft/kiota-abstractions-go/authentication"
	azauth "github.com/microsoft/kiota-authentication-azure-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mail-harvester/internal/mailbox"
)

// GraphScope is the resource scope requested for Graph tokens.
const GraphScope = "https://graph.microsoft.com/.default"

// wellKnownFolders can be addressed by name without a lookup.
var wellKnownFolders = map[string]bool{
	"inbox":        true,
	"archive":      true,
	"drafts":       true,
	"sentitems":    true,
	"deleteditems": true,
	"junkemail":    true,
	"outbox":       true,
}

var messageSelect = []string{
	"id", "conversationId", "subject", "from", "bodyPreview", "body",
	"receivedDateTime", "hasAttachments", "categories", "internetMessageHeaders",
}

// Options configures an Adapter.
type Options struct {
	// Mailbox is the Graph user id or principal name. Defaults to "me".
	Mailbox string

	// BaseURL overrides the Graph endpoint.
	BaseURL string

	// HTTPClient sends the requests. It must not retry on its own.
	HTTPClient *http.Client

	// Auth overrides the bearer token provider built from the token source.
	Auth absauth.AuthenticationProvider
}

// Adapter implements mailbox.Backend for Outlook through Microsoft Graph.
// Labels are mail folders.
type Adapter struct {
	client  *msgraphsdk.GraphServiceClient
	mailbox string

	mu      sync.Mutex
	folders map[string]string
}

// New creates an Outlook adapter authenticating with ts.
func New(ts oauth2.TokenSource, opts Options) (*Adapter, error) {
	auth := opts.Auth
	if auth == nil {
		var err error
		auth, err = azauth.NewAzureIdentityAuthenticationProviderWithScopes(&tokenCredential{src: ts}, []string{GraphScope})
		if err != nil {
			return nil, fmt.Errorf("failed to create Graph auth provider: %w", err)
		}
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	adapter, err := msgraphsdk.NewGraphRequestAdapterWithParseNodeFactoryAndSerializationWriterFactoryAndHttpClient(auth, nil, nil, httpClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph request adapter: %w", err)
	}

	client := msgraphsdk.NewGraphServiceClient(adapter)
	if opts.BaseURL != "" {
		adapter.SetBaseUrl(strings.TrimRight(opts.BaseURL, "/"))
	}

	mbx := opts.Mailbox
	if mbx == "" {
		mbx = "me"
	}

	return &Adapter{client: client, mailbox: mbx}, nil
}

// ResolveSelector maps a folder display name to its id. Well-known folder
// names are used as-is.
func (a *Adapter) ResolveSelector(ctx context.Context, sel mailbox.Selector) (mailbox.Selector, error) {
	if sel.LabelID != "" {
		return sel, nil
	}
	name := strings.ToLower(sel.Label)
	if name == "" {
		name = "inbox"
	}
	if wellKnownFolders[name] {
		sel.LabelID = name
		return sel, nil
	}

	folders, err := a.loadFolders(ctx)
	if err != nil {
		return sel, err
	}
	id, ok := folders[name]
	if !ok {
		return sel, fmt.Errorf("%w: %q", mailbox.ErrLabelNotFound, sel.Label)
	}
	sel.LabelID = id
	return sel, nil
}

func (a *Adapter) loadFolders(ctx context.Context) (map[string]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.folders != nil {
		return a.folders, nil
	}

	builder := a.client.Users().ByUserId(a.mailbox).MailFolders()
	result, err := builder.Get(ctx, &users.ItemMailFoldersRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersRequestBuilderGetQueryParameters{
			Top:    int32Ptr(100),
			Select: []string{"id", "displayName"},
		},
	})

	folders := make(map[string]string)
	for {
		if err != nil {
			return nil, fmt.Errorf("failed to list mail folders: %w", mapError(err))
		}
		for _, f := range result.GetValue() {
			if f.GetId() != nil && f.GetDisplayName() != nil {
				folders[strings.ToLower(*f.GetDisplayName())] = *f.GetId()
			}
		}
		next := result.GetOdataNextLink()
		if next == nil || *next == "" {
			break
		}
		result, err = builder.WithUrl(*next).Get(ctx, nil)
	}

	a.folders = folders
	return folders, nil
}

// ListPage lists one page of message ids in the selected folder, newest
// first. The page token is Graph's next link. Query is an OData filter.
func (a *Adapter) ListPage(ctx context.Context, sel mailbox.Selector, pageToken string, pageSize int) (mailbox.Page, error) {
	builder := a.client.Users().ByUserId(a.mailbox).MailFolders().ByMailFolderId(sel.LabelID).Messages()

	var (
		result models.MessageCollectionResponseable
		err    error
	)
	if pageToken != "" {
		result, err = builder.WithUrl(pageToken).Get(ctx, nil)
	} else {
		params := &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
			Top:     int32Ptr(int32(pageSize)),
			Select:  []string{"id"},
			Orderby: []string{"receivedDateTime desc"},
		}
		if sel.Query != "" {
			params.Filter = &sel.Query
		}
		result, err = builder.Get(ctx, &users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{
			QueryParameters: params,
		})
	}
	if err != nil {
		return mailbox.Page{}, fmt.Errorf("failed to list messages: %w", mapError(err))
	}

	var page mailbox.Page
	for _, m := range result.GetValue() {
		if id := m.GetId(); id != nil {
			page.IDs = append(page.IDs, *id)
		}
	}
	if next := result.GetOdataNextLink(); next != nil {
		page.NextPageToken = *next
	}
	return page, nil
}

// Get fetches one message with its attachment names.
func (a *Adapter) Get(ctx context.Context, id string) (*mailbox.RawMessage, error) {
	msg, err := a.client.Users().ByUserId(a.mailbox).Messages().ByMessageId(id).Get(ctx,
		&users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
				Select: messageSelect,
				Expand: []string{"attachments($select=name,contentType)"},
			},
		})
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, mapError(err))
	}
	return normalize(msg), nil
}

// normalize converts a Graph message into the provider-neutral payload.
// Headers the decoder reads are synthesized from Graph's structured fields.
func normalize(m models.Messageable) *mailbox.RawMessage {
	raw := &mailbox.RawMessage{
		ID:       deref(m.GetId()),
		ThreadID: deref(m.GetConversationId()),
		Snippet:  deref(m.GetBodyPreview()),
		Labels:   m.GetCategories(),
	}

	root := &mailbox.Part{MimeType: "multipart/mixed"}

	if from := m.GetFrom(); from != nil && from.GetEmailAddress() != nil {
		root.Headers = append(root.Headers, mailbox.Header{
			Name:  "From",
			Value: formatAddress(deref(from.GetEmailAddress().GetName()), deref(from.GetEmailAddress().GetAddress())),
		})
	}
	if subject := m.GetSubject(); subject != nil {
		root.Headers = append(root.Headers, mailbox.Header{Name: "Subject", Value: *subject})
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		raw.InternalDate = *rcvd
		root.Headers = append(root.Headers, mailbox.Header{Name: "Date", Value: rcvd.Format(time.RFC1123Z)})
	}
	for _, h := range m.GetInternetMessageHeaders() {
		if h.GetName() != nil && h.GetValue() != nil {
			root.Headers = append(root.Headers, mailbox.Header{Name: *h.GetName(), Value: *h.GetValue()})
		}
	}

	if body := m.GetBody(); body != nil && body.GetContent() != nil {
		mimeType := "text/plain"
		if ct := body.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
			mimeType = "text/html"
		}
		root.Parts = append(root.Parts, &mailbox.Part{
			MimeType: mimeType,
			Data:     mailbox.EncodeData([]byte(*body.GetContent())),
		})
	}

	for _, att := range m.GetAttachments() {
		name := deref(att.GetName())
		if name == "" {
			name = "attachment"
		}
		root.Parts = append(root.Parts, &mailbox.Part{
			MimeType: deref(att.GetContentType()),
			Filename: name,
		})
	}
	if len(m.GetAttachments()) == 0 && m.GetHasAttachments() != nil && *m.GetHasAttachments() {
		root.Parts = append(root.Parts, &mailbox.Part{MimeType: "application/octet-stream", Filename: "attachment"})
	}

	raw.Payload = root
	return raw
}

func formatAddress(name, addr string) string {
	if name == "" || strings.EqualFold(name, addr) {
		return addr
	}
	return fmt.Sprintf("%q <%s>", name, addr)
}

// mapError translates Graph failures into mailbox error values.
func mapError(err error) error {
	status := 0
	var oerr *odataerrors.ODataError
	var aerr *abstractions.ApiError
	switch {
	case errors.As(err, &oerr):
		status = oerr.ResponseStatusCode
	case errors.As(err, &aerr):
		status = aerr.ResponseStatusCode
	}

	switch status {
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %v", mailbox.ErrRateLimited, describe(err))
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %v", mailbox.ErrPermissionDenied, describe(err))
	case http.StatusNotFound:
		return fmt.Errorf("%w: %v", mailbox.ErrNotFound, describe(err))
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %v", mailbox.ErrTransient, describe(err))
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return fmt.Errorf("%w: %v", mailbox.ErrPermissionDenied, err)
	}
	var nerr net.Error
	if !errors.Is(err, context.DeadlineExceeded) && errors.As(err, &nerr) {
		return fmt.Errorf("%w: %v", mailbox.ErrTransient, err)
	}
	return err
}

// describe includes the OData error code and message, which the SDK
// leaves out of Error().
func describe(err error) string {
	var oerr *odataerrors.ODataError
	if errors.As(err, &oerr) {
		if main := oerr.GetErrorEscaped(); main != nil {
			return fmt.Sprintf("%s: %s", deref(main.GetCode()), deref(main.GetMessage()))
		}
	}
	return err.Error()
}

// tokenCredential adapts an oauth2 token source to the Azure credential
// interface used by the Graph SDK.
type tokenCredential struct {
	src oauth2.TokenSource
}

func (c *tokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	tok, err := c.src.Token()
	if err != nil {
		return azcore.AccessToken{}, err
	}
	expires := tok.Expiry
	if expires.IsZero() {
		expires = time.Now().Add(time.Hour)
	}
	return azcore.AccessToken{Token: tok.AccessToken, ExpiresOn: expires}, nil
}

// int32Ptr returns a pointer to an int32
func int32Ptr(i int32) *int32 {
	return &i
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
