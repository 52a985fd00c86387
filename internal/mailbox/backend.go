package mailbox

import "context"

// Selector picks which messages of an account to pull.
type Selector struct {
	// Label is the human name from configuration.
	Label string
	// LabelID is the provider identifier Label resolved to.
	LabelID string
	Query   string
}

// Page is one slice of a paginated listing.
type Page struct {
	IDs           []string
	NextPageToken string
}

// Backend is the raw provider API. Implementations translate provider
// failures into the package's error values (ErrRateLimited, ErrNotFound,
// ErrPermissionDenied, ErrTransient) and hold no throttling logic of their own.
type Backend interface {
	ResolveSelector(ctx context.Context, sel Selector) (Selector, error)
	ListPage(ctx context.Context, sel Selector, pageToken string, pageSize int) (Page, error)
	Get(ctx context.Context, id string) (*RawMessage, error)
}
