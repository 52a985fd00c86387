package store

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/Martian-dev/mail-harvester/internal/model"
)

func openTestStore(t *testing.T, events *EventOptions) *Store {
	t.Helper()
	s, err := Open(context.Background(), Options{
		Path:   filepath.Join(t.TempDir(), "harvest.db"),
		Events: events,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testMessage(id, account string) model.Message {
	return model.Message{
		ID:               id,
		Account:          account,
		Sender:           "TradingView <noreply@tradingview.com>",
		SenderName:       "TradingView",
		SenderAddress:    "noreply@tradingview.com",
		Subject:          "New comment on your idea",
		BodyText:         "hello",
		Labels:           []string{"Label_1", "INBOX"},
		Date:             time.Date(2024, 2, 20, 10, 30, 0, 0, time.UTC),
		FetchedAt:        time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Platform:         "tradingview",
		NotificationType: "comment",
		OriginalURL:      "https://www.tradingview.com/chart/x/",
	}
}

func TestUpsertAndRead(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, nil)

	batch := []model.Message{testMessage("a", "personal"), testMessage("b", "personal"), testMessage("c", "work")}
	if err := s.UpsertBatch(ctx, batch); err != nil {
		t.Fatalf("UpsertBatch: %v", err)
	}

	ids, err := s.ExistingIDs(ctx)
	if err != nil {
		t.Fatalf("ExistingIDs: %v", err)
	}
	if len(ids) != 3 || !ids.Has("a") || !ids.Has("c") {
		t.Errorf("ExistingIDs = %v", ids)
	}

	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := testMessage("a", "personal")
	if got.Subject != want.Subject || !got.Date.Equal(want.Date) || !slices.Equal(got.Labels, want.Labels) {
		t.Errorf("Get = %+v", got)
	}
	if got.Responded || got.ResponseID != nil {
		t.Errorf("new message should not be responded: %+v", got)
	}

	if ok, _ := s.Exists(ctx, "b"); !ok {
		t.Error("Exists(b) = false")
	}
	if ok, _ := s.Exists(ctx, "zzz"); ok {
		t.Error("Exists(zzz) = true")
	}
	if _, err := s.Get(ctx, "zzz"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing: err = %v", err)
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, nil)

	batch := []model.Message{testMessage("a", "personal"), testMessage("b", "personal")}
	for i := 0; i < 2; i++ {
		if err := s.UpsertBatch(ctx, batch); err != nil {
			t.Fatalf("UpsertBatch #%d: %v", i, err)
		}
	}

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}
}

func TestUpsertPreservesResponseFields(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, nil)

	if err := s.UpsertBatch(ctx, []model.Message{testMessage("a", "personal")}); err != nil {
		t.Fatalf("UpsertBatch: %v", err)
	}
	resp, err := s.CreateResponse(ctx, "a", "Thanks!", "")
	if err != nil {
		t.Fatalf("CreateResponse: %v", err)
	}

	changed := testMessage("a", "personal")
	changed.Subject = "Edited subject"
	changed.BodyText = "edited body"
	changed.NotificationType = "reply"
	if err := s.UpsertBatch(ctx, []model.Message{changed}); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Subject != "Edited subject" || got.BodyText != "edited body" || got.NotificationType != "reply" {
		t.Errorf("mutable fields not updated: %+v", got)
	}
	if !got.Responded {
		t.Error("responded flag was cleared")
	}
	if got.ResponseID == nil || *got.ResponseID != resp.ID {
		t.Errorf("ResponseID = %v, want %d", got.ResponseID, resp.ID)
	}
}

func TestUpsertBatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, nil)

	batch := []model.Message{testMessage("a", "p"), testMessage("", "p")}
	if err := s.UpsertBatch(ctx, batch); err == nil {
		t.Fatal("expected error for empty id")
	}
	if n, _ := s.Count(ctx); n != 0 {
		t.Errorf("Count = %d after failed batch, want 0", n)
	}
}

func TestWatermarks(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, nil)

	if _, ok, err := s.GetWatermark(ctx, GlobalWatermark); err != nil || ok {
		t.Fatalf("empty watermark: ok=%v err=%v", ok, err)
	}

	first := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)
	for _, ts := range []time.Time{first, second} {
		if err := s.SetWatermark(ctx, GlobalWatermark, ts); err != nil {
			t.Fatalf("SetWatermark: %v", err)
		}
	}
	if err := s.SetWatermark(ctx, AccountWatermark("personal"), first); err != nil {
		t.Fatalf("SetWatermark account: %v", err)
	}

	got, ok, err := s.GetWatermark(ctx, GlobalWatermark)
	if err != nil || !ok || !got.Equal(second) {
		t.Errorf("global = %v ok=%v err=%v, want %v", got, ok, err, second)
	}
	got, ok, err = s.GetWatermark(ctx, AccountWatermark("personal"))
	if err != nil || !ok || !got.Equal(first) {
		t.Errorf("account = %v ok=%v err=%v, want %v", got, ok, err, first)
	}
}

func TestResponsesWorkflow(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, nil)

	msgs := []model.Message{testMessage("a", "personal"), testMessage("b", "work"), testMessage("c", "work")}
	msgs[1].Platform = "github"
	if err := s.UpsertBatch(ctx, msgs); err != nil {
		t.Fatalf("UpsertBatch: %v", err)
	}

	if _, err := s.CreateResponse(ctx, "missing", "x", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("CreateResponse missing: err = %v", err)
	}

	r1, err := s.CreateResponse(ctx, "a", "first", "note")
	if err != nil {
		t.Fatalf("CreateResponse: %v", err)
	}
	if r1.Account != "personal" {
		t.Errorf("response account = %q", r1.Account)
	}
	if _, err := s.CreateResponse(ctx, "b", "second", ""); err != nil {
		t.Fatalf("CreateResponse: %v", err)
	}

	if err := s.MarkResponseUsed(ctx, r1.ID); err != nil {
		t.Fatalf("MarkResponseUsed: %v", err)
	}
	if err := s.MarkResponseUsed(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkResponseUsed missing: err = %v", err)
	}
	if err := s.UpdateResponse(ctx, r1.ID, "edited"); err != nil {
		t.Fatalf("UpdateResponse: %v", err)
	}

	got, err := s.GetResponse(ctx, r1.ID)
	if err != nil {
		t.Fatalf("GetResponse: %v", err)
	}
	if !got.Used || got.UsedAt == nil || got.Content != "edited" {
		t.Errorf("GetResponse = %+v", got)
	}

	unused, err := s.ListResponses(ctx, true, 10)
	if err != nil {
		t.Fatalf("ListResponses: %v", err)
	}
	if len(unused) != 1 || unused[0].MessageID != "b" {
		t.Errorf("unused responses = %+v", unused)
	}

	inbox, err := s.Unresponded(ctx, "WORK", 10)
	if err != nil {
		t.Fatalf("Unresponded: %v", err)
	}
	if len(inbox) != 1 || inbox[0].ID != "c" {
		t.Errorf("Unresponded(work) = %+v", inbox)
	}

	all, err := s.Unresponded(ctx, "", 10)
	if err != nil {
		t.Fatalf("Unresponded: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("Unresponded(all) has %d messages, want 1", len(all))
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.TotalMessages != 3 || st.Responded != 2 || st.Unresponded != 1 {
		t.Errorf("message stats = %+v", st)
	}
	if st.TotalResponses != 2 || st.UnusedResponses != 1 {
		t.Errorf("response stats = %+v", st)
	}
	if st.ByAccount["work"] != 2 || st.ByPlatform["github"] != 1 || st.ByType["comment"] != 3 {
		t.Errorf("breakdowns = %+v %+v %+v", st.ByAccount, st.ByPlatform, st.ByType)
	}
	if st.LastSync != nil {
		t.Errorf("LastSync = %v, want nil", st.LastSync)
	}
}

func TestOutboxEventsForNewMessagesOnly(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, &EventOptions{SubjectPrefix: "harvest"})

	batch := []model.Message{testMessage("a", "My Gmail"), testMessage("b", "My Gmail")}
	if err := s.UpsertBatch(ctx, batch); err != nil {
		t.Fatalf("UpsertBatch: %v", err)
	}
	if err := s.UpsertBatch(ctx, batch); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	pending, err := s.DequeueOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueOutbox: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("got %d outbox rows, want 2", len(pending))
	}
	if pending[0].Subject != "harvest.my_gmail.message.stored" {
		t.Errorf("subject = %q", pending[0].Subject)
	}
	if pending[0].MsgID != "message.stored|a" {
		t.Errorf("msg id = %q", pending[0].MsgID)
	}

	if err := s.MarkPublished(ctx, pending[0].ID); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}
	if err := s.MarkOutboxRetry(ctx, pending[1].ID, time.Hour); err != nil {
		t.Fatalf("MarkOutboxRetry: %v", err)
	}

	due, err := s.DequeueOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueOutbox: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("got %d due rows, want 0", len(due))
	}
	if n, _ := s.PendingOutbox(ctx); n != 1 {
		t.Errorf("PendingOutbox = %d, want 1", n)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Path: filepath.Join(t.TempDir(), "x.db"), Driver: "postgres"})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestOpenMemory(t *testing.T) {
	s, err := Open(context.Background(), Options{Path: ":memory:"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.UpsertBatch(context.Background(), []model.Message{testMessage("a", "p")}); err != nil {
		t.Fatalf("UpsertBatch: %v", err)
	}
	if n, _ := s.Count(context.Background()); n != 1 {
		t.Errorf("Count = %d", n)
	}
}
