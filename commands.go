package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mail-harvester/internal/api"
	"github.com/Martian-dev/mail-harvester/internal/classify"
	"github.com/Martian-dev/mail-harvester/internal/model"
	natsjs "github.com/Martian-dev/mail-harvester/internal/nats"
	"github.com/Martian-dev/mail-harvester/internal/sync"
)

const rule = "============================================================"

func syncFlags(fs *pflag.FlagSet) {
	fs.StringP("account", "a", "", "sync only this account")
	fs.StringP("label", "l", "", "override the account label or folder")
}

func runSync(ctx context.Context, a *app, fs *pflag.FlagSet) error {
	name, _ := fs.GetString("account")
	label, _ := fs.GetString("label")

	accounts, err := a.accounts(name)
	if err != nil {
		return err
	}
	if label != "" {
		accounts = slices.Clone(accounts)
		for i := range accounts {
			accounts[i].Label = label
		}
	}

	creds, err := a.credentials(true)
	if err != nil {
		return err
	}

	names := make([]string, len(accounts))
	for i, acct := range accounts {
		names[i] = acct.Name
	}
	fmt.Fprintln(a.out, rule)
	fmt.Fprintln(a.out, "Mail Harvester - social notification sync")
	fmt.Fprintln(a.out, rule)
	fmt.Fprintf(a.out, "Accounts: %s\n", strings.Join(names, ", "))

	pass, err := a.manager(creds).RunPass(ctx, accounts)
	if err != nil {
		return err
	}
	if pass.PreviousSync != nil {
		fmt.Fprintf(a.out, "Previous sync: %s\n", pass.PreviousSync.Local().Format(time.DateTime))
	}

	fmt.Fprintln(a.out)
	fmt.Fprintln(a.out, rule)
	fmt.Fprintln(a.out, "SYNC COMPLETE")
	fmt.Fprintln(a.out, rule)
	for _, s := range pass.Accounts {
		mark := "ok"
		if s.State == sync.StateFailed {
			mark = "FAILED"
		}
		fmt.Fprintf(a.out, "  %-6s %-15s %5d new  %3d skipped  %3d errors\n", mark, s.Account, s.New, s.Skipped, s.Errors)
		if s.Error != "" {
			fmt.Fprintf(a.out, "         %s\n", s.Error)
		}
		for _, pc := range sortedCounts(s.Platforms) {
			fmt.Fprintf(a.out, "      %-20s %d\n", pc.key, pc.n)
		}
	}
	fmt.Fprintln(a.out, strings.Repeat("-", len(rule)))
	fmt.Fprintf(a.out, "Total new messages: %d\n", pass.TotalNew)
	fmt.Fprintf(a.out, "Total in database:  %d\n", pass.TotalStored)
	fmt.Fprintf(a.out, "Database file:      %s\n", a.cfg.Store.Path)
	fmt.Fprintln(a.out, rule)

	if pass.TotalStored > 0 {
		recent, err := a.store.Recent(ctx, 5)
		if err != nil {
			return err
		}
		fmt.Fprintln(a.out, "\nMost recent messages:")
		for _, m := range recent {
			fmt.Fprintf(a.out, "  [%-12s] [%-8s] %s\n", m.Platform, m.NotificationType, truncate(m.Subject, 40))
		}
	}

	if pass.Failed() {
		return errors.New("one or more accounts failed")
	}
	return nil
}

func runStats(ctx context.Context, a *app, _ *pflag.FlagSet) error {
	st, err := a.store.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "Messages:   %d (%d responded, %d unresponded)\n", st.TotalMessages, st.Responded, st.Unresponded)
	fmt.Fprintf(a.out, "Responses:  %d (%d unused)\n", st.TotalResponses, st.UnusedResponses)
	if st.LastSync != nil {
		fmt.Fprintf(a.out, "Last sync:  %s\n", st.LastSync.Local().Format(time.DateTime))
	}

	fmt.Fprintln(a.out, "\nBy account:")
	for _, c := range sortedCounts(st.ByAccount) {
		fmt.Fprintf(a.out, "  %-20s %d\n", c.key, c.n)
	}
	fmt.Fprintln(a.out, "\nBy platform:")
	for _, c := range sortedCounts(st.ByPlatform) {
		fmt.Fprintf(a.out, "  %-20s %d\n", classify.Info(c.key).Name, c.n)
	}
	fmt.Fprintln(a.out, "\nBy type:")
	for _, c := range sortedCounts(st.ByType) {
		fmt.Fprintf(a.out, "  %-20s %d\n", c.key, c.n)
	}
	return nil
}

func inboxFlags(fs *pflag.FlagSet) {
	fs.StringP("account", "a", "", "only this account")
	fs.IntP("limit", "n", 20, "maximum messages to list")
}

func runInbox(ctx context.Context, a *app, fs *pflag.FlagSet) error {
	account, _ := fs.GetString("account")
	limit, _ := fs.GetInt("limit")

	msgs, err := a.store.Unresponded(ctx, account, limit)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		fmt.Fprintln(a.out, "No unresponded messages.")
		return nil
	}
	for _, m := range msgs {
		fmt.Fprintf(a.out, "%-20s %s [%-12s] [%-8s] %s\n",
			m.ID, m.Date.Local().Format("2006-01-02"), m.Platform, m.NotificationType, truncate(m.Subject, 50))
	}
	return nil
}

func runShow(ctx context.Context, a *app, fs *pflag.FlagSet) error {
	if fs.NArg() != 1 {
		return errors.New("usage: harvester show <message-id>")
	}
	m, err := a.store.Get(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	printMessage(a, m)
	return nil
}

func printMessage(a *app, m *model.Message) {
	fmt.Fprintf(a.out, "ID:       %s\n", m.ID)
	fmt.Fprintf(a.out, "Account:  %s\n", m.Account)
	fmt.Fprintf(a.out, "From:     %s\n", m.Sender)
	fmt.Fprintf(a.out, "Subject:  %s\n", m.Subject)
	fmt.Fprintf(a.out, "Date:     %s\n", m.Date.Local().Format(time.DateTime))
	fmt.Fprintf(a.out, "Platform: %s (%s)\n", classify.Info(m.Platform).Name, m.NotificationType)
	if m.OriginalURL != "" {
		fmt.Fprintf(a.out, "URL:      %s\n", m.OriginalURL)
	}
	if len(m.Labels) > 0 {
		fmt.Fprintf(a.out, "Labels:   %s\n", strings.Join(m.Labels, ", "))
	}
	if m.Responded && m.ResponseID != nil {
		fmt.Fprintf(a.out, "Response: #%d\n", *m.ResponseID)
	}
	fmt.Fprintf(a.out, "\n%s\n", m.BodyText)
}

func respondFlags(fs *pflag.FlagSet) {
	fs.StringP("message", "m", "", "response text")
	fs.String("notes", "", "private notes kept with the draft")
}

func runRespond(ctx context.Context, a *app, fs *pflag.FlagSet) error {
	content, _ := fs.GetString("message")
	notes, _ := fs.GetString("notes")
	if fs.NArg() != 1 || content == "" {
		return errors.New("usage: harvester respond <message-id> -m <text>")
	}

	resp, err := a.store.CreateResponse(ctx, fs.Arg(0), content, notes)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Saved response #%d for %s\n", resp.ID, resp.MessageID)
	return nil
}

func responsesFlags(fs *pflag.FlagSet) {
	fs.Bool("unused", false, "only responses not yet used")
	fs.IntP("limit", "n", 20, "maximum responses to list")
	fs.String("mark-used", "", "mark the response with this id as used")
}

func runResponses(ctx context.Context, a *app, fs *pflag.FlagSet) error {
	if raw, _ := fs.GetString("mark-used"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid response id %q", raw)
		}
		if err := a.store.MarkResponseUsed(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Response #%d marked used\n", id)
		return nil
	}

	unused, _ := fs.GetBool("unused")
	limit, _ := fs.GetInt("limit")
	list, err := a.store.ListResponses(ctx, unused, limit)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(a.out, "No responses.")
		return nil
	}
	for _, r := range list {
		state := "draft"
		if r.Used {
			state = "used"
		}
		fmt.Fprintf(a.out, "#%-5d %-6s %-20s %s\n", r.ID, state, r.MessageID, truncate(r.Content, 60))
	}
	return nil
}

func authFlags(fs *pflag.FlagSet) {
	fs.StringP("account", "a", "", "authorize only this account")
}

func runAuth(ctx context.Context, a *app, fs *pflag.FlagSet) error {
	name, _ := fs.GetString("account")
	accounts, err := a.accounts(name)
	if err != nil {
		return err
	}
	creds, err := a.credentials(true)
	if err != nil {
		return err
	}

	var failed int
	for _, acct := range accounts {
		if _, err := creds.Authenticate(ctx, acct); err != nil {
			failed++
			fmt.Fprintf(a.out, "  FAILED %-15s %v\n", acct.Name, err)
			continue
		}
		fmt.Fprintf(a.out, "  ok     %-15s %s\n", acct.Name, acct.Provider)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d accounts failed to authorize", failed, len(accounts))
	}
	return nil
}

func runServe(ctx context.Context, a *app, _ *pflag.FlagSet) error {
	creds, err := a.credentials(false)
	if err != nil {
		return err
	}
	verifier, err := a.verifier(ctx)
	if err != nil {
		return err
	}
	mgr := a.manager(creds)

	router := api.NewRouter(api.Options{
		Store:    a.store,
		Syncer:   mgr,
		Accounts: a.cfg.Accounts,
		Verifier: verifier,
		Logger:   a.log,
	})

	g, ctx := errgroup.WithContext(ctx)
	if a.cfg.NATS.URL != "" {
		pub, err := a.publisher(ctx)
		if err != nil {
			return err
		}
		defer pub.Close()
		d := &natsjs.Dispatcher{Outbox: a.store, Publisher: pub, Logger: a.log}
		g.Go(func() error {
			d.Run(ctx)
			return nil
		})
	}
	g.Go(func() error {
		a.log.Info("api listening", zap.String("addr", a.cfg.API.Addr))
		err := router.Serve(ctx, a.cfg.API.Addr)
		mgr.StopAll()
		return err
	})
	return g.Wait()
}

func dispatchFlags(fs *pflag.FlagSet) {
	fs.Bool("once", false, "publish one batch and exit")
}

func runDispatch(ctx context.Context, a *app, fs *pflag.FlagSet) error {
	pub, err := a.publisher(ctx)
	if err != nil {
		return err
	}
	defer pub.Close()

	d := &natsjs.Dispatcher{Outbox: a.store, Publisher: pub, Logger: a.log}
	if once, _ := fs.GetBool("once"); once {
		n, err := d.DispatchOnce(ctx)
		if err != nil {
			return err
		}
		pending, err := a.store.PendingOutbox(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Published %d events, %d pending\n", n, pending)
		return nil
	}

	a.log.Info("dispatching events", zap.String("nats", a.cfg.NATS.URL))
	d.Run(ctx)
	return nil
}

type count struct {
	key string
	n   int
}

// sortedCounts orders a histogram by count, largest first, then by key.
func sortedCounts(m map[string]int) []count {
	out := make([]count, 0, len(m))
	for k, n := range m {
		out = append(out, count{k, n})
	}
	slices.SortFunc(out, func(x, y count) int {
		if c := cmp.Compare(y.n, x.n); c != 0 {
			return c
		}
		return strings.Compare(x.key, y.key)
	})
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
