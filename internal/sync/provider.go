package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/Martian-dev/mail-harvester/internal/auth"
	"github.com/Martian-dev/mail-harvester/internal/config"
	"github.com/Martian-dev/mail-harvester/internal/mailbox"
	"github.com/Martian-dev/mail-harvester/internal/model"
	"github.com/Martian-dev/mail-harvester/internal/providers/gmail"
	"github.com/Martian-dev/mail-harvester/internal/providers/imap"
	"github.com/Martian-dev/mail-harvester/internal/providers/outlook"
)

// Authenticator obtains credentials for an account.
type Authenticator interface {
	Authenticate(ctx context.Context, acct config.Account) (*auth.Handle, error)
}

// Store is the persistence the orchestrator writes to.
type Store interface {
	ExistingIDs(ctx context.Context) (model.IDSet, error)
	UpsertBatch(ctx context.Context, msgs []model.Message) error
	GetWatermark(ctx context.Context, key string) (time.Time, bool, error)
	SetWatermark(ctx context.Context, key string, t time.Time) error
	Count(ctx context.Context) (int, error)
}

// BackendFactory creates the provider backend for an authenticated account.
type BackendFactory func(ctx context.Context, acct config.Account, h *auth.Handle) (mailbox.Backend, error)

// NewBackend creates the backend matching the account's provider.
func NewBackend(ctx context.Context, acct config.Account, h *auth.Handle) (mailbox.Backend, error) {
	switch acct.Provider {
	case config.ProviderGmail:
		b, err := gmail.New(ctx, h.HTTPClient)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.ProviderOutlook:
		b, err := outlook.New(h.TokenSource, outlook.Options{Mailbox: acct.Mailbox})
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.ProviderIMAP:
		return imap.New(acct.Name, imap.Config{
			Host:     acct.IMAP.Host,
			Port:     acct.IMAP.Port,
			Username: h.Username,
			Password: h.Password,
			TLS:      acct.IMAP.TLS,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", acct.Provider)
	}
}
