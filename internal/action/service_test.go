package action

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"genbot/internal/config"
	"genbot/internal/generate"
	"genbot/internal/storage"
	"genbot/internal/task/swap"
	"genbot/internal/transport"
)

func mustDuration(t *testing.T, s string) time.Duration {
	t.Helper()
	d, err := time.ParseDuration(s)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

type sent struct {
	to    transport.ChatTarget
	text  string
	media *transport.Media
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
	ch   chan sent
}

func newFakeSender() *fakeSender { return &fakeSender{ch: make(chan sent, 64)} }

func (f *fakeSender) push(s sent) {
	f.mu.Lock()
	f.sent = append(f.sent, s)
	f.mu.Unlock()
	f.ch <- s
}

func (f *fakeSender) SendText(_ context.Context, to transport.ChatTarget, text string) (transport.MessageRef, error) {
	f.push(sent{to: to, text: text})
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeSender) SendMedia(_ context.Context, to transport.ChatTarget, m transport.Media) (transport.MessageRef, error) {
	f.push(sent{to: to, text: m.Caption, media: &m})
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeSender) SendActivity(context.Context, transport.ChatTarget, transport.Activity) error {
	return nil
}

func (f *fakeSender) next(t *testing.T) sent {
	t.Helper()
	select {
	case s := <-f.ch:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a reply")
		return sent{}
	}
}

func (f *fakeSender) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case s := <-f.ch:
		t.Fatalf("unexpected reply: %q", s.text)
	case <-time.After(wait):
	}
}

type memStore struct {
	mu   sync.Mutex
	rows []storage.Generation
}

func (m *memStore) AppendGeneration(_ context.Context, g storage.Generation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, g)
	return nil
}

func (m *memStore) CountGenerations(_ context.Context, userID int64, since time.Time) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]int{}
	for _, g := range m.rows {
		if g.UserID == userID && g.Status == storage.StatusFinished && !g.At.Before(since) {
			out[g.Kind]++
		}
	}
	return out, nil
}

func (m *memStore) Prune(context.Context, time.Time) (int, error) { return 0, nil }
func (m *memStore) Close() error                                  { return nil }

func (m *memStore) snapshot() []storage.Generation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.Generation(nil), m.rows...)
}

type harness struct {
	svc   *Service
	mgr   *swap.Manager
	out   *fakeSender
	store *memStore
}

func newHarness(t *testing.T, gen generate.Generator, policies map[string]config.Policy) *harness {
	t.Helper()
	mgr := swap.New()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Close(ctx)
	})
	st := Settings{Policies: map[string]config.Policy{}, BotName: "genbot"}
	for _, k := range config.Kinds {
		st.Policies[k] = config.Policy{MaxSequentialSwaps: 1}
	}
	for k, p := range policies {
		st.Policies[k] = p
	}
	h := &harness{mgr: mgr, out: newFakeSender(), store: &memStore{}}
	h.svc = New(mgr, gen, h.out, st, WithStore(h.store), WithReplyRate(1000, 100))
	return h
}

func dm(userID int64, text string) transport.Message {
	return transport.Message{ID: 1, ChatID: userID, FromID: userID, Text: text, IsPrivate: true}
}

func waitIdle(t *testing.T, mgr *swap.Manager, bucket string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if snap, ok := mgr.Snapshot(bucket); ok && snap.Idle() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("bucket %s never went idle", bucket)
}

func TestPrivateTextIsAnswered(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &generate.Sim{}, nil)
	h.svc.Handle(context.Background(), dm(42, "hi there"))

	got := h.out.next(t)
	if got.text != "You said: hi there" || got.to.ReplyTo != 1 {
		t.Fatalf("reply = %+v", got)
	}
	waitIdle(t, h.mgr, "text-42")
	rows := h.store.snapshot()
	if len(rows) != 1 || rows[0].Status != storage.StatusFinished || rows[0].Kind != "text" || rows[0].UserID != 42 {
		t.Fatalf("records = %+v", rows)
	}
}

func TestPhotoIsSentAsMedia(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &generate.Sim{}, nil)
	h.svc.Handle(context.Background(), transport.Message{ChatID: -100, FromID: 7, Text: "/photo@genbot a fox"})

	got := h.out.next(t)
	if got.media == nil || got.media.Kind != transport.MediaPhoto || got.media.MIMEType != "image/png" {
		t.Fatalf("reply = %+v", got)
	}
}

func TestGroupChatterIsIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &generate.Sim{}, nil)
	h.svc.Handle(context.Background(), transport.Message{ChatID: -100, FromID: 7, Text: "lunch?"})
	h.out.none(t, 50*time.Millisecond)
	if h.mgr.Has("text-7") {
		t.Fatal("ignored message created a bucket")
	}
}

func TestNewerRequestReplacesOlder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &generate.Sim{Latency: 150 * time.Millisecond}, nil)
	h.svc.Handle(context.Background(), dm(5, "/video first"))
	time.Sleep(20 * time.Millisecond)
	h.svc.Handle(context.Background(), dm(5, "/video second"))

	got := h.out.next(t)
	if !strings.Contains(got.text, "second") {
		t.Fatalf("reply = %q, want the second prompt", got.text)
	}
	waitIdle(t, h.mgr, "video-5")
	h.out.none(t, 200*time.Millisecond)

	rows := h.store.snapshot()
	if len(rows) != 1 || rows[0].Prompt != "second" {
		t.Fatalf("records = %+v, want only the second request", rows)
	}
	snap, _ := h.mgr.Snapshot("video-5")
	if snap.RemainingSwaps != 1 {
		t.Fatalf("RemainingSwaps = %d, want reset to 1", snap.RemainingSwaps)
	}
}

func TestThrottleReply(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &generate.Sim{}, map[string]config.Policy{
		config.KindPhoto: {MaxSequentialSwaps: 1, ThrottleWindow: time.Hour, ThrottleLimit: 1},
	})
	h.svc.Handle(context.Background(), dm(9, "/photo one"))
	if got := h.out.next(t); got.media == nil {
		t.Fatalf("first reply = %+v, want media", got)
	}
	waitIdle(t, h.mgr, "photo-9")

	h.svc.Handle(context.Background(), dm(9, "/photo two"))
	got := h.out.next(t)
	if !strings.HasPrefix(got.text, "Too many requests") || !strings.Contains(got.text, "per 1h") {
		t.Fatalf("reply = %q", got.text)
	}

	h.svc.Handle(context.Background(), dm(9, "/usage"))
	usage := h.out.next(t).text
	if !strings.Contains(usage, "photo: 1/1 per 1h") || !strings.Contains(usage, "text: unlimited (0 in the last 30d)") {
		t.Fatalf("usage = %q", usage)
	}
}

func TestFailedGenerationIsReportedAndRecorded(t *testing.T) {
	t.Parallel()
	gen := &generate.Sim{Fail: func(generate.Request) error { return errors.New("quota") }}
	h := newHarness(t, gen, nil)
	h.svc.Handle(context.Background(), dm(3, "/music jazz"))

	got := h.out.next(t)
	if !strings.Contains(got.text, "music generation failed") {
		t.Fatalf("reply = %q", got.text)
	}
	waitIdle(t, h.mgr, "music-3")
	rows := h.store.snapshot()
	if len(rows) != 1 || rows[0].Status != storage.StatusFailed || !strings.Contains(rows[0].Error, "quota") {
		t.Fatalf("records = %+v", rows)
	}

	// The bucket recovered: a new request runs.
	if _, err := h.mgr.Push("music-3", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("push after failure: %v", err)
	}
}

func TestJobTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &generate.Sim{Latency: time.Minute}, nil)
	st := *h.svc.settings()
	st.JobTimeout = 20 * time.Millisecond
	h.svc.Apply(st)

	h.svc.Handle(context.Background(), dm(4, "slow please"))
	if got := h.out.next(t); !strings.Contains(got.text, "took too long") {
		t.Fatalf("reply = %q", got.text)
	}
}

func TestUsageAndEmptyPrompt(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &generate.Sim{}, nil)
	h.svc.Handle(context.Background(), dm(1, "/photo"))
	if got := h.out.next(t); got.text != "Usage: /photo <prompt>" {
		t.Fatalf("reply = %q", got.text)
	}
	h.svc.Handle(context.Background(), dm(1, "/help"))
	if got := h.out.next(t); !strings.Contains(got.text, "/video") {
		t.Fatalf("help = %q", got.text)
	}
	h.svc.Handle(context.Background(), dm(1, "/poem"))
	if got := h.out.next(t); !strings.Contains(got.text, "Unknown command /poem") {
		t.Fatalf("reply = %q", got.text)
	}
}

func TestApplyAffectsOnlyNewBuckets(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &generate.Sim{}, nil)
	h.svc.Handle(context.Background(), dm(1, "/text a"))
	h.out.next(t)
	waitIdle(t, h.mgr, "text-1")

	st := *h.svc.settings()
	st.Policies = map[string]config.Policy{}
	for k, p := range h.svc.settings().Policies {
		st.Policies[k] = p
	}
	st.Policies[config.KindText] = config.Policy{MaxSequentialSwaps: 5}
	h.svc.Apply(st)

	h.svc.Handle(context.Background(), dm(1, "/text b"))
	h.out.next(t)
	h.svc.Handle(context.Background(), dm(2, "/text c"))
	h.out.next(t)
	waitIdle(t, h.mgr, "text-2")

	old, _ := h.mgr.Snapshot("text-1")
	fresh, _ := h.mgr.Snapshot("text-2")
	if old.MaxSequentialSwaps != 1 || fresh.MaxSequentialSwaps != 5 {
		t.Fatalf("max swaps old=%d fresh=%d, want 1 and 5", old.MaxSequentialSwaps, fresh.MaxSequentialSwaps)
	}
}

func TestSettingsFromConfig(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Actions: config.ActionsConfig{JobTimeout: "2m"}}
	st, err := SettingsFromConfig(cfg)
	if err != nil {
		t.Fatalf("SettingsFromConfig: %v", err)
	}
	if st.JobTimeout != 2*time.Minute || len(st.Policies) != len(config.Kinds) {
		t.Fatalf("settings = %+v", st)
	}
	if !st.Policies[config.KindVideo].Throttled() {
		t.Fatal("default video policy should be throttled")
	}
}

func TestSetBotNameKeepsConcurrentApply(t *testing.T) {
	t.Parallel()
	base := func(swaps int) Settings {
		st := Settings{Policies: map[string]config.Policy{}}
		for _, k := range config.Kinds {
			st.Policies[k] = config.Policy{MaxSequentialSwaps: swaps}
		}
		return st
	}
	for i := 0; i < 50; i++ {
		svc := New(swap.New(), &generate.Sim{}, newFakeSender(), base(1))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			svc.Apply(base(9))
		}()
		go func() {
			defer wg.Done()
			svc.SetBotName("genbot")
		}()
		wg.Wait()

		st := svc.settings()
		if st.BotName != "genbot" {
			t.Fatalf("run %d: bot name = %q, want genbot", i, st.BotName)
		}
		if got := st.Policies[config.KindText].MaxSequentialSwaps; got != 9 {
			t.Fatalf("run %d: text swaps = %d, want 9 (reload lost)", i, got)
		}
	}
}
