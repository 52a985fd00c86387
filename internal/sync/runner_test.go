package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Martian-dev/mail-harvester/internal/auth"
	"github.com/Martian-dev/mail-harvester/internal/config"
	"github.com/Martian-dev/mail-harvester/internal/mailbox"
	"github.com/Martian-dev/mail-harvester/internal/model"
	"github.com/Martian-dev/mail-harvester/internal/store"
)

type fakeBackend struct {
	mu       sync.Mutex
	ids      []string
	gets     map[string]int
	getErr   map[string]error
	listFail int // page offset at which listing fails; 0 disables
	block    chan struct{}
}

func newFakeBackend(ids ...string) *fakeBackend {
	return &fakeBackend{ids: ids, gets: map[string]int{}, getErr: map[string]error{}}
}

func (f *fakeBackend) ResolveSelector(_ context.Context, sel mailbox.Selector) (mailbox.Selector, error) {
	sel.LabelID = "Label_1"
	return sel, nil
}

func (f *fakeBackend) ListPage(ctx context.Context, _ mailbox.Selector, token string, pageSize int) (mailbox.Page, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return mailbox.Page{}, ctx.Err()
		}
	}

	offset := 0
	if token != "" {
		offset, _ = strconv.Atoi(token)
	}
	if f.listFail > 0 && offset >= f.listFail {
		return mailbox.Page{}, fmt.Errorf("listing broke: %w", mailbox.ErrTransient)
	}

	end := min(offset+pageSize, len(f.ids))
	page := mailbox.Page{IDs: f.ids[offset:end]}
	if end < len(f.ids) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

func (f *fakeBackend) Get(_ context.Context, id string) (*mailbox.RawMessage, error) {
	f.mu.Lock()
	f.gets[id]++
	err := f.getErr[id]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	return &mailbox.RawMessage{
		ID: id,
		Payload: &mailbox.Part{
			MimeType: "text/plain",
			Headers: []mailbox.Header{
				{Name: "From", Value: "TradingView <noreply@tradingview.com>"},
				{Name: "Subject", Value: "New comment on your idea"},
				{Name: "Date", Value: "Tue, 20 Feb 2024 10:30:00 +0000"},
			},
			Data: mailbox.EncodeData([]byte("Read it at https://www.tradingview.com/chart/abc/")),
		},
	}, nil
}

func (f *fakeBackend) totalGets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.gets {
		n += c
	}
	return n
}

type fakeStore struct {
	mu         sync.Mutex
	existing   model.IDSet
	batches    [][]model.Message
	watermarks map[string]time.Time
	upsertErr  error
}

func newFakeStore(existing ...string) *fakeStore {
	s := &fakeStore{existing: model.IDSet{}, watermarks: map[string]time.Time{}}
	s.existing.Add(existing...)
	return s
}

func (s *fakeStore) ExistingIDs(context.Context) (model.IDSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := model.IDSet{}
	for id := range s.existing {
		out.Add(id)
	}
	return out, nil
}

func (s *fakeStore) UpsertBatch(_ context.Context, msgs []model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.batches = append(s.batches, slices.Clone(msgs))
	for _, m := range msgs {
		s.existing.Add(m.ID)
	}
	return nil
}

func (s *fakeStore) GetWatermark(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.watermarks[key]
	return t, ok, nil
}

func (s *fakeStore) SetWatermark(_ context.Context, key string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermarks[key] = t
	return nil
}

func (s *fakeStore) Count(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.existing), nil
}

func (s *fakeStore) batchSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sizes []int
	for _, b := range s.batches {
		sizes = append(sizes, len(b))
	}
	return sizes
}

type fakeAuth struct {
	fail map[string]error
}

func (a fakeAuth) Authenticate(_ context.Context, acct config.Account) (*auth.Handle, error) {
	if err := a.fail[acct.Name]; err != nil {
		return nil, err
	}
	return &auth.Handle{Account: acct.Name}, nil
}

func backendsFor(m map[string]*fakeBackend) BackendFactory {
	return func(_ context.Context, acct config.Account, _ *auth.Handle) (mailbox.Backend, error) {
		b, ok := m[acct.Name]
		if !ok {
			return nil, fmt.Errorf("no backend for %s", acct.Name)
		}
		return b, nil
	}
}

func ids(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%03d", prefix, i)
	}
	return out
}

func testRunner(st Store, backends map[string]*fakeBackend) *Runner {
	return &Runner{
		Auth:     fakeAuth{},
		Backends: backendsFor(backends),
		Store:    st,
		Client:   mailbox.Options{RequestInterval: -1, PageSize: 20},
	}
}

func account(name string) config.Account {
	return config.Account{Name: name, Provider: config.ProviderGmail, Label: "Social Notifications"}
}

func TestRunAccountBatchBoundary(t *testing.T) {
	st := newFakeStore()
	backend := newFakeBackend(ids("m", 125)...)
	r := testRunner(st, map[string]*fakeBackend{"personal": backend})

	sum := r.RunAccount(context.Background(), account("personal"), model.IDSet{})

	if sum.State != StateDone || sum.Err != nil {
		t.Fatalf("summary = %+v", sum)
	}
	if got := st.batchSizes(); !slices.Equal(got, []int{50, 50, 25}) {
		t.Errorf("batch sizes = %v, want [50 50 25]", got)
	}
	if sum.New != 125 {
		t.Errorf("New = %d, want 125", sum.New)
	}
	if sum.Platforms["tradingview"] != 125 {
		t.Errorf("Platforms = %v", sum.Platforms)
	}

	m := st.batches[0][0]
	if m.Account != "personal" || m.NotificationType != "comment" {
		t.Errorf("stored message = %+v", m)
	}
	if m.OriginalURL != "https://www.tradingview.com/chart/abc/" {
		t.Errorf("OriginalURL = %q", m.OriginalURL)
	}
	if m.SenderAddress != "noreply@tradingview.com" {
		t.Errorf("SenderAddress = %q", m.SenderAddress)
	}
}

func TestRunAccountNeverFetchesKnownIDs(t *testing.T) {
	all := ids("m", 30)
	existing := model.IDSet{}
	existing.Add(all[:20]...)

	st := newFakeStore()
	backend := newFakeBackend(all...)
	r := testRunner(st, map[string]*fakeBackend{"personal": backend})

	sum := r.RunAccount(context.Background(), account("personal"), existing)

	for _, id := range all[:20] {
		if backend.gets[id] != 0 {
			t.Errorf("fetched known id %s", id)
		}
	}
	if sum.Skipped != 20 || sum.New != 10 {
		t.Errorf("Skipped = %d, New = %d, want 20 and 10", sum.Skipped, sum.New)
	}
}

func TestRunAccountSkipsFailedMessages(t *testing.T) {
	st := newFakeStore()
	backend := newFakeBackend(ids("m", 5)...)
	backend.getErr["m001"] = &mailbox.RetryExhaustedError{Op: "get", Attempts: 5, Err: mailbox.ErrRateLimited}
	backend.getErr["m003"] = mailbox.ErrNotFound
	r := testRunner(st, map[string]*fakeBackend{"personal": backend})
	r.Client.Sleep = func(context.Context, time.Duration) error { return nil }

	sum := r.RunAccount(context.Background(), account("personal"), model.IDSet{})

	if sum.State != StateDone {
		t.Fatalf("state = %v, err = %v", sum.State, sum.Err)
	}
	if sum.New != 3 || sum.Errors != 2 {
		t.Errorf("New = %d, Errors = %d, want 3 and 2", sum.New, sum.Errors)
	}
}

func TestRunAccountListingFailureKeepsPartialBatch(t *testing.T) {
	st := newFakeStore()
	backend := newFakeBackend(ids("m", 60)...)
	backend.listFail = 20
	r := testRunner(st, map[string]*fakeBackend{"personal": backend})

	sum := r.RunAccount(context.Background(), account("personal"), model.IDSet{})

	if sum.State != StateFailed || !errors.Is(sum.Err, mailbox.ErrTransient) {
		t.Fatalf("state = %v, err = %v", sum.State, sum.Err)
	}
	if got := st.batchSizes(); !slices.Equal(got, []int{20}) {
		t.Errorf("batch sizes = %v, want [20]", got)
	}
	if sum.New != 20 {
		t.Errorf("New = %d, want 20", sum.New)
	}
}

func TestRunAccountStoreFailure(t *testing.T) {
	st := newFakeStore()
	st.upsertErr = errors.New("disk full")
	backend := newFakeBackend(ids("m", 3)...)
	r := testRunner(st, map[string]*fakeBackend{"personal": backend})

	sum := r.RunAccount(context.Background(), account("personal"), model.IDSet{})

	if sum.State != StateFailed || sum.Err == nil {
		t.Fatalf("state = %v, err = %v", sum.State, sum.Err)
	}
	if sum.New != 0 {
		t.Errorf("New = %d, want 0", sum.New)
	}
}

func TestRunAccountReportsStates(t *testing.T) {
	st := newFakeStore()
	r := testRunner(st, map[string]*fakeBackend{"personal": newFakeBackend("a")})

	var states []State
	r.Observer = func(_ string, s State) { states = append(states, s) }
	r.RunAccount(context.Background(), account("personal"), model.IDSet{})

	want := []State{StateAuthenticating, StateListing, StateFetching, StateBatching, StateCommitting, StateDone}
	if !slices.Equal(states, want) {
		t.Errorf("states = %v, want %v", states, want)
	}
}

func TestPassContinuesAfterAuthError(t *testing.T) {
	st := newFakeStore()
	r := testRunner(st, map[string]*fakeBackend{"work": newFakeBackend(ids("w", 3)...)})
	r.Auth = fakeAuth{fail: map[string]error{
		"personal": &auth.AuthError{Account: "personal", Reason: auth.ReasonRefreshDenied, Err: errors.New("invalid_grant")},
	}}
	m := NewManager(ManagerOptions{Runner: r, Store: st})

	pass, err := m.RunPass(context.Background(), []config.Account{account("personal"), account("work")})
	if err != nil {
		t.Fatalf("RunPass() error = %v", err)
	}

	if pass.Accounts[0].State != StateFailed {
		t.Errorf("personal state = %v, want failed", pass.Accounts[0].State)
	}
	if _, ok := auth.IsAuthError(pass.Accounts[0].Err); !ok {
		t.Errorf("personal error = %v, want AuthError", pass.Accounts[0].Err)
	}
	if pass.Accounts[1].State != StateDone || pass.Accounts[1].New != 3 {
		t.Errorf("work summary = %+v", pass.Accounts[1])
	}
	if pass.TotalNew != 3 || pass.TotalStored != 3 {
		t.Errorf("TotalNew = %d, TotalStored = %d", pass.TotalNew, pass.TotalStored)
	}
	if !pass.Failed() {
		t.Error("Failed() = false")
	}

	if _, ok := st.watermarks[store.GlobalWatermark]; !ok {
		t.Error("global watermark not written")
	}
	if _, ok := st.watermarks[store.AccountWatermark("work")]; !ok {
		t.Error("work watermark not written")
	}
	if _, ok := st.watermarks[store.AccountWatermark("personal")]; ok {
		t.Error("failed account got a watermark")
	}
	if m.Last() != pass {
		t.Error("Last() does not return the finished pass")
	}
}

func TestPassParallelAccountsShareSnapshot(t *testing.T) {
	st := newFakeStore("shared")
	backends := map[string]*fakeBackend{
		"a": newFakeBackend(append([]string{"shared"}, ids("a", 10)...)...),
		"b": newFakeBackend(append([]string{"shared"}, ids("b", 10)...)...),
	}
	m := NewManager(ManagerOptions{Runner: testRunner(st, backends), Store: st, Parallel: 2})

	pass, err := m.RunPass(context.Background(), []config.Account{account("a"), account("b")})
	if err != nil {
		t.Fatalf("RunPass() error = %v", err)
	}
	if pass.TotalNew != 20 {
		t.Errorf("TotalNew = %d, want 20", pass.TotalNew)
	}
	for name, b := range backends {
		if b.gets["shared"] != 0 {
			t.Errorf("account %s fetched a known id", name)
		}
	}
}

func TestPassIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, store.Options{Path: filepath.Join(t.TempDir(), "harvest.db")})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	backend := newFakeBackend(ids("m", 12)...)
	m := NewManager(ManagerOptions{
		Runner: testRunner(st, map[string]*fakeBackend{"personal": backend}),
		Store:  st,
	})

	first, err := m.RunPass(ctx, []config.Account{account("personal")})
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if first.TotalNew != 12 || first.TotalStored != 12 {
		t.Fatalf("first pass = %+v", first)
	}
	fetches := backend.totalGets()

	second, err := m.RunPass(ctx, []config.Account{account("personal")})
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if second.TotalNew != 0 || second.TotalStored != 12 {
		t.Errorf("second pass = %+v", second)
	}
	if backend.totalGets() != fetches {
		t.Errorf("second pass fetched %d messages", backend.totalGets()-fetches)
	}
	if second.PreviousSync == nil {
		t.Error("second pass has no previous sync time")
	}
}

func TestStartPassRejectsOverlap(t *testing.T) {
	st := newFakeStore()
	backend := newFakeBackend("a", "b")
	backend.block = make(chan struct{})
	m := NewManager(ManagerOptions{Runner: testRunner(st, map[string]*fakeBackend{"personal": backend}), Store: st})

	runID, err := m.StartPass(context.Background(), []config.Account{account("personal")})
	if err != nil {
		t.Fatalf("StartPass() error = %v", err)
	}
	if !m.IsRunning() || !slices.Equal(m.Running(), []string{runID}) {
		t.Fatalf("Running() = %v, want [%s]", m.Running(), runID)
	}

	if _, err := m.StartPass(context.Background(), nil); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second StartPass() error = %v, want ErrAlreadyRunning", err)
	}
	if _, err := m.RunPass(context.Background(), nil); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("RunPass() during pass error = %v, want ErrAlreadyRunning", err)
	}

	close(backend.block)
	deadline := time.Now().Add(5 * time.Second)
	for m.IsRunning() || m.Last() == nil {
		if time.Now().After(deadline) {
			t.Fatal("pass did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if m.Last().RunID != runID || m.Last().TotalNew != 2 {
		t.Errorf("Last() = %+v", m.Last())
	}
}

func TestStopCancelsPass(t *testing.T) {
	st := newFakeStore()
	backend := newFakeBackend("a")
	backend.block = make(chan struct{})
	m := NewManager(ManagerOptions{Runner: testRunner(st, map[string]*fakeBackend{"personal": backend}), Store: st})

	runID, err := m.StartPass(context.Background(), []config.Account{account("personal")})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Stop(runID); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	waitIdle(t, m)
	if err := m.Stop(runID); err == nil {
		t.Error("Stop() after the pass finished succeeded")
	}
	if m.Last().Accounts[0].State != StateFailed {
		t.Errorf("state = %v, want failed", m.Last().Accounts[0].State)
	}
	if _, ok := st.watermarks[store.GlobalWatermark]; ok {
		t.Error("cancelled pass wrote the global watermark")
	}
}

// blockingStore holds UpsertBatch until release is closed, regardless of
// cancellation, like a commit already in flight.
type blockingStore struct {
	*fakeStore
	entered chan struct{}
	release chan struct{}
}

func (s *blockingStore) UpsertBatch(ctx context.Context, msgs []model.Message) error {
	s.entered <- struct{}{}
	<-s.release
	return s.fakeStore.UpsertBatch(ctx, msgs)
}

func waitIdle(t *testing.T, m *Manager) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for m.IsRunning() || m.Last() == nil {
		if time.Now().After(deadline) {
			t.Fatal("pass did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStoppedPassBlocksNewPassUntilFinished(t *testing.T) {
	st := &blockingStore{
		fakeStore: newFakeStore(),
		entered:   make(chan struct{}, 1),
		release:   make(chan struct{}),
	}
	backend := newFakeBackend("a", "b")
	m := NewManager(ManagerOptions{Runner: testRunner(st, map[string]*fakeBackend{"personal": backend}), Store: st})

	runID, err := m.StartPass(context.Background(), []config.Account{account("personal")})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-st.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("commit never started")
	}

	if err := m.Stop(runID); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	m.StopAll()
	if !m.IsRunning() {
		t.Fatal("IsRunning() = false while the stopped pass is still committing")
	}
	if _, err := m.StartPass(context.Background(), []config.Account{account("personal")}); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("StartPass() during commit error = %v, want ErrAlreadyRunning", err)
	}
	if _, err := m.RunPass(context.Background(), nil); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("RunPass() during commit error = %v, want ErrAlreadyRunning", err)
	}

	close(st.release)
	waitIdle(t, m)
	if got := st.batchSizes(); !slices.Equal(got, []int{2}) {
		t.Errorf("batches = %v, want [2]", got)
	}
}

func TestStateString(t *testing.T) {
	if StateCommitting.String() != "committing" || State(99).String() != "unknown" {
		t.Errorf("unexpected names %q %q", StateCommitting, State(99))
	}
}
