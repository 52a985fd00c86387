package sync

import (
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/Martian-dev/mail-harvester/internal/classify"
	"github.com/Martian-dev/mail-harvester/internal/config"
	"github.com/Martian-dev/mail-harvester/internal/decode"
	"github.com/Martian-dev/mail-harvester/internal/logger"
	"github.com/Martian-dev/mail-harvester/internal/mailbox"
	"github.com/Martian-dev/mail-harvester/internal/metrics"
	"github.com/Martian-dev/mail-harvester/internal/model"
)

// DefaultBatchSize is the number of messages committed per store call.
const DefaultBatchSize = 50

// AccountSummary reports the outcome of one account's sync.
type AccountSummary struct {
	Account    string         `json:"account"`
	New        int            `json:"new"`
	Skipped    int            `json:"skipped"`
	Errors     int            `json:"errors"`
	Platforms  map[string]int `json:"platforms"`
	State      State          `json:"state"`
	Err        error          `json:"-"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Runner syncs one account at a time. A Runner is safe for concurrent use
// by several accounts; each call gets its own retrieval client.
type Runner struct {
	Auth     Authenticator
	Backends BackendFactory
	Store    Store
	Decoder  *decode.Decoder

	// Client configures the per-account retrieval client. Set Limiter to
	// share one request budget across accounts.
	Client    mailbox.Options
	BatchSize int

	// Observer, when set, is told about every state change.
	Observer func(account string, s State)

	Logger *zap.Logger
	Now    func() time.Time
}

func (r *Runner) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

// RunAccount pulls every message matched by the account's selector that is
// not in existing, then decodes, classifies and stores it in batches.
// Per-message failures are counted and skipped. Authentication, listing
// and store failures end the account in StateFailed; batches committed
// before the failure stay committed.
func (r *Runner) RunAccount(ctx context.Context, acct config.Account, existing model.IDSet) AccountSummary {
	log := logger.OrNop(r.Logger).With(zap.String("account", acct.Name))
	sum := AccountSummary{
		Account:   acct.Name,
		Platforms: make(map[string]int),
		StartedAt: r.now(),
	}

	setState := func(s State) {
		if sum.State == s {
			return
		}
		sum.State = s
		log.Debug("state", zap.Stringer("state", s))
		if r.Observer != nil {
			r.Observer(acct.Name, s)
		}
	}
	fail := func(err error) AccountSummary {
		sum.Err = err
		sum.Error = err.Error()
		sum.FinishedAt = r.now()
		setState(StateFailed)
		log.Error("account sync failed", zap.Error(err))
		return sum
	}

	setState(StateAuthenticating)
	handle, err := r.Auth.Authenticate(ctx, acct)
	if err != nil {
		return fail(err)
	}

	backends := r.Backends
	if backends == nil {
		backends = NewBackend
	}
	backend, err := backends(ctx, acct, handle)
	if err != nil {
		return fail(err)
	}
	if c, ok := backend.(io.Closer); ok {
		defer c.Close()
	}

	opts := r.Client
	opts.Logger = log
	client := mailbox.NewClient(backend, opts)

	decoder := r.Decoder
	if decoder == nil {
		decoder = decode.New()
	}
	size := r.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}

	batch := make([]model.Message, 0, size)
	commit := func() error {
		if len(batch) == 0 {
			return nil
		}
		setState(StateCommitting)
		if err := r.Store.UpsertBatch(ctx, batch); err != nil {
			return err
		}
		for _, m := range batch {
			sum.Platforms[m.Platform]++
		}
		sum.New += len(batch)
		metrics.IncrementBatches(acct.Name)
		metrics.AddMessages(acct.Name, "stored", len(batch))
		log.Info("batch committed", zap.Int("batch_size", len(batch)), zap.Int("total_new", sum.New))
		batch = make([]model.Message, 0, size)
		return nil
	}

	setState(StateListing)
	sel := mailbox.Selector{Label: acct.Label, Query: acct.Query}
	seen := make(map[string]struct{})

	var listErr error
	for id, err := range client.ListMessageIDs(ctx, sel) {
		if err != nil {
			listErr = err
			break
		}
		if existing.Has(id) {
			sum.Skipped++
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		setState(StateFetching)
		msg, err := r.fetch(ctx, client, decoder, acct.Name, id)
		if err != nil {
			if ctx.Err() != nil {
				listErr = ctx.Err()
				break
			}
			sum.Errors++
			metrics.AddMessages(acct.Name, "error", 1)
			log.Warn("skipping message", zap.String("message_id", id), zap.Error(err))
			continue
		}

		setState(StateBatching)
		batch = append(batch, msg)
		if len(batch) >= size {
			if err := commit(); err != nil {
				return fail(err)
			}
			setState(StateListing)
		}
	}

	if err := commit(); err != nil {
		if listErr != nil {
			err = errors.Join(listErr, err)
		}
		return fail(err)
	}
	if listErr != nil {
		return fail(listErr)
	}

	metrics.AddMessages(acct.Name, "skipped", sum.Skipped)
	sum.FinishedAt = r.now()
	setState(StateDone)
	log.Info("account synced",
		zap.Int("new", sum.New),
		zap.Int("skipped", sum.Skipped),
		zap.Int("errors", sum.Errors))
	return sum
}

// fetch retrieves, decodes and classifies one message.
func (r *Runner) fetch(ctx context.Context, client *mailbox.Client, decoder *decode.Decoder, account, id string) (model.Message, error) {
	raw, err := client.FetchMessage(ctx, id)
	if err != nil {
		return model.Message{}, err
	}

	d, err := decoder.Decode(raw)
	if err != nil {
		return model.Message{}, err
	}
	if d.ID == "" {
		d.ID = id
	}

	c := classify.Classify(d.Sender, d.Subject, d.TextBody)
	return model.Message{
		ID:               d.ID,
		Account:          account,
		Sender:           d.Sender,
		SenderName:       d.SenderName,
		SenderAddress:    d.SenderAddress,
		Subject:          d.Subject,
		Snippet:          d.Snippet,
		BodyText:         d.TextBody,
		BodyHTML:         d.HTMLBody,
		ThreadID:         d.ThreadID,
		Labels:           d.Labels,
		HasAttachments:   d.HasAttachments,
		Date:             d.Date,
		FetchedAt:        r.now(),
		Platform:         c.Platform,
		NotificationType: c.NotificationType,
		OriginalURL:      c.OriginalURL,
	}, nil
}
