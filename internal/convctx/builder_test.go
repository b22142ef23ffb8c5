package convctx

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeStore serves a fixed entry slice.
type fakeStore struct {
	entries []domain.HistoryEntry
	err     error
	panics  bool
}

func (f *fakeStore) AppendEntry(ctx context.Context, chatID string, e domain.HistoryEntry) error {
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeStore) GetEntries(ctx context.Context, chatID string, limit int) ([]domain.HistoryEntry, error) {
	if f.panics {
		panic("store exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	if limit > 0 && len(f.entries) > limit {
		return f.entries[len(f.entries)-limit:], nil
	}
	return f.entries, nil
}

func (f *fakeStore) Close() error { return nil }

func testCfg() config.ContextConfig {
	return config.ContextConfig{
		ProfilingEnabled:  true,
		MaxHistory:        8,
		MaxHistoryAgeHrs:  48,
		CompressThreshold: 3000,
	}
}

func allowedSec() *domain.SecurityResult {
	return &domain.SecurityResult{
		Allowed:    true,
		Action:     domain.ActionAllow,
		TrustScore: 0.8,
	}
}

func inbound(chatID, userID, text string) domain.InboundRequest {
	return domain.InboundRequest{
		MessageID: "m1",
		ChatID:    chatID,
		UserID:    userID,
		Text:      text,
		Timestamp: time.Now(),
	}
}

func TestBuild_ConversationState(t *testing.T) {
	b := NewBuilder(testCfg(), nil, testLogger())
	ctx := context.Background()

	mc := b.Build(ctx, inbound("c1", "u1", "hello"), allowedSec())
	if mc.Conversation == nil {
		t.Fatal("conversation state missing")
	}
	if mc.Conversation.MessageCount != 1 {
		t.Fatalf("expected count 1, got %d", mc.Conversation.MessageCount)
	}

	b.Build(ctx, inbound("c1", "u2", "hi again"), allowedSec())
	mc = b.Build(ctx, inbound("c1", "u1", "third"), allowedSec())
	if mc.Conversation.MessageCount != 3 {
		t.Fatalf("expected count 3, got %d", mc.Conversation.MessageCount)
	}
	if len(mc.Conversation.Participants) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(mc.Conversation.Participants))
	}
}

func TestBuild_ProfileDetection(t *testing.T) {
	b := NewBuilder(testCfg(), nil, testLogger())
	ctx := context.Background()

	mc := b.Build(ctx, inbound("c1", "u1", "my golang code won't compile, help me debug it"), allowedSec())
	if mc.Profile == nil {
		t.Fatal("profile missing")
	}
	if !contains(mc.Profile.Expertise, "programming") {
		t.Fatalf("expected programming expertise, got %v", mc.Profile.Expertise)
	}
	if mc.Profile.InteractionCount != 1 {
		t.Fatalf("expected 1 interaction, got %d", mc.Profile.InteractionCount)
	}

	mc = b.Build(ctx, inbound("c1", "u1", "now deploy it with docker please"), allowedSec())
	if !contains(mc.Profile.Expertise, "devops") {
		t.Fatalf("expected devops added, got %v", mc.Profile.Expertise)
	}
	if mc.Profile.InteractionCount != 2 {
		t.Fatalf("expected 2 interactions, got %d", mc.Profile.InteractionCount)
	}
}

func TestBuild_ProfilingDisabled(t *testing.T) {
	cfg := testCfg()
	cfg.ProfilingEnabled = false
	b := NewBuilder(cfg, nil, testLogger())

	mc := b.Build(context.Background(), inbound("c1", "u1", "hello"), allowedSec())
	if mc.Profile != nil {
		t.Fatal("profile should be nil when profiling disabled")
	}
}

func TestBuild_HistoryTrim(t *testing.T) {
	store := &fakeStore{}
	now := time.Now()
	for i := 0; i < 30; i++ {
		imp := 0.1
		if i == 10 {
			imp = 0.95 // old but important
		}
		store.entries = append(store.entries, domain.HistoryEntry{
			Role: "user", Content: fmt.Sprintf("message %d", i),
			MessageID: fmt.Sprintf("h%d", i), Importance: imp,
			Timestamp: now.Add(time.Duration(i-30) * time.Minute),
		})
	}

	b := NewBuilder(testCfg(), store, testLogger())
	mc := b.Build(context.Background(), inbound("c1", "u1", "latest"), allowedSec())

	if len(mc.History) > 8 {
		t.Fatalf("history exceeds cap: %d", len(mc.History))
	}
	// The most recent entry must survive trimming.
	last := mc.History[len(mc.History)-1]
	if last.MessageID != "h29" {
		t.Fatalf("most recent entry lost, got %s", last.MessageID)
	}
	// The high-importance older entry must be selected.
	found := false
	for _, e := range mc.History {
		if e.MessageID == "h10" {
			found = true
		}
	}
	if !found {
		t.Fatal("high-importance older entry was dropped")
	}
}

func TestBuild_AgeFilter(t *testing.T) {
	store := &fakeStore{entries: []domain.HistoryEntry{
		{Role: "user", Content: "ancient", MessageID: "old", Timestamp: time.Now().Add(-80 * time.Hour)},
		{Role: "user", Content: "recent", MessageID: "new", Timestamp: time.Now().Add(-time.Hour)},
	}}

	b := NewBuilder(testCfg(), store, testLogger())
	mc := b.Build(context.Background(), inbound("c1", "u1", "hi"), allowedSec())

	if len(mc.History) != 1 || mc.History[0].MessageID != "new" {
		t.Fatalf("expected only the recent entry, got %+v", mc.History)
	}
}

func TestBuild_Compression(t *testing.T) {
	store := &fakeStore{}
	now := time.Now()
	long := ""
	for i := 0; i < 120; i++ {
		long += "word "
	}
	for i := 0; i < 40; i++ {
		imp := 0.2
		if i < 5 {
			imp = 0.9
		}
		store.entries = append(store.entries, domain.HistoryEntry{
			Role: "user", Content: long, MessageID: fmt.Sprintf("h%d", i),
			Importance: imp, Timestamp: now.Add(time.Duration(i-40) * time.Minute),
		})
	}

	cfg := testCfg()
	cfg.MaxHistory = 40
	cfg.CompressThreshold = 500
	b := NewBuilder(cfg, store, testLogger())

	mc := b.Build(context.Background(), inbound("c1", "u1", "what did we decide?"), allowedSec())
	if !mc.Compressed {
		t.Fatal("expected compression to trigger")
	}
	if len(mc.History) > compressRecentKeep+compressImportantKeep {
		t.Fatalf("compressed history too long: %d", len(mc.History))
	}
	if mc.Conversation.ContextSummary == "" {
		t.Fatal("expected a summary of dropped entries")
	}
}

func TestBuild_WorkspaceResolution(t *testing.T) {
	cfg := testCfg()
	cfg.WorkspaceMappings = map[string]string{"mapped-chat": "ws-team"}
	b := NewBuilder(cfg, nil, testLogger())
	ctx := context.Background()

	r := inbound("c1", "u1", "hello")
	r.WorkspaceID = "ws-explicit"
	mc := b.Build(ctx, r, allowedSec())
	if mc.Workspace == nil || mc.Workspace.Source != "explicit" || mc.Workspace.ID != "ws-explicit" {
		t.Fatalf("explicit workspace not resolved: %+v", mc.Workspace)
	}

	mc = b.Build(ctx, inbound("mapped-chat", "u1", "hello"), allowedSec())
	if mc.Workspace == nil || mc.Workspace.Source != "mapped" || mc.Workspace.ID != "ws-team" {
		t.Fatalf("mapped workspace not resolved: %+v", mc.Workspace)
	}

	mc = b.Build(ctx, inbound("c2", "u1", "my docker deploy is stuck"), allowedSec())
	if mc.Workspace == nil || mc.Workspace.Source != "implicit" {
		t.Fatalf("implicit workspace not resolved: %+v", mc.Workspace)
	}
}

func TestBuild_MinimalFallbackOnPanic(t *testing.T) {
	b := NewBuilder(testCfg(), &fakeStore{panics: true}, testLogger())

	mc := b.Build(context.Background(), inbound("c1", "u1", "hello"), allowedSec())
	if mc == nil {
		t.Fatal("expected a context, got nil")
	}
	if !mc.Minimal {
		t.Fatal("expected minimal fallback context")
	}
	if mc.Text != "hello" || mc.ChatID != "c1" {
		t.Fatalf("fallback lost raw fields: %+v", mc)
	}
}

func TestBuild_StoreErrorDegrades(t *testing.T) {
	b := NewBuilder(testCfg(), &fakeStore{err: fmt.Errorf("db locked")}, testLogger())

	mc := b.Build(context.Background(), inbound("c1", "u1", "hello"), allowedSec())
	if mc.Minimal {
		t.Fatal("store error should not force minimal context")
	}
	if len(mc.History) != 0 {
		t.Fatalf("expected empty history, got %d", len(mc.History))
	}
}

func TestBuild_TrustBucketHints(t *testing.T) {
	b := NewBuilder(testCfg(), nil, testLogger())
	ctx := context.Background()

	cases := []struct {
		trust  float64
		bucket string
	}{
		{0.1, "low"},
		{0.5, "medium"},
		{0.9, "high"},
	}
	for _, tc := range cases {
		sec := allowedSec()
		sec.TrustScore = tc.trust
		mc := b.Build(ctx, inbound("c1", "u1", "hello"), sec)
		if mc.Hints.TrustBucket != tc.bucket {
			t.Errorf("trust %v: expected bucket %s, got %s", tc.trust, tc.bucket, mc.Hints.TrustBucket)
		}
	}
}

func TestBuild_ConcurrentSameChat(t *testing.T) {
	b := NewBuilder(testCfg(), nil, testLogger())
	ctx := context.Background()

	// Topic-bearing text makes every call resolve an implicit workspace and
	// write it back to the shared conversation state.
	const workers = 8
	var wg sync.WaitGroup
	results := make([]*domain.MessageContext, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := inbound("c1", fmt.Sprintf("u%d", i), "help me debug this golang code")
			results[i] = b.Build(ctx, req, allowedSec())
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool)
	for i, mc := range results {
		if mc == nil || mc.Conversation == nil {
			t.Fatalf("build %d returned no conversation", i)
		}
		if mc.Minimal {
			t.Fatalf("build %d fell back to minimal context", i)
		}
		if mc.Workspace == nil || mc.Conversation.WorkspaceID != mc.Workspace.ID {
			t.Fatalf("build %d: workspace id not recorded, got %+v", i, mc.Conversation)
		}
		seen[mc.Conversation.MessageCount] = true
	}
	// Each build observes a distinct message count from 1 through workers.
	for n := 1; n <= workers; n++ {
		if !seen[n] {
			t.Fatalf("no build observed message count %d; counts %v", n, seen)
		}
	}

	mc := b.Build(ctx, inbound("c1", "u1", "still here"), allowedSec())
	if mc.Conversation.MessageCount != workers+1 {
		t.Fatalf("expected count %d, got %d", workers+1, mc.Conversation.MessageCount)
	}
}

func TestEvictBefore_Convctx(t *testing.T) {
	b := NewBuilder(testCfg(), nil, testLogger())
	ctx := context.Background()

	stale := inbound("c-old", "u-old", "hi")
	stale.Timestamp = time.Now().Add(-100 * time.Hour)
	b.Build(ctx, stale, allowedSec())
	b.Build(ctx, inbound("c-new", "u-new", "hi"), allowedSec())

	convs, profs := b.EvictBefore(time.Now().Add(-72 * time.Hour))
	if convs != 1 || profs != 1 {
		t.Fatalf("expected 1/1 evicted, got %d/%d", convs, profs)
	}
}
