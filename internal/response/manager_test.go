package response

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"relaybot/internal/config"
	"relaybot/internal/domain"
)

func testManager(t *testing.T, mutate func(*config.ResponseConfig)) *Manager {
	t.Helper()
	cfg := config.ResponseConfig{
		MaxConcurrent:    3,
		MaxMessageLength: 4096,
		CacheSize:        50,
		EmojiEnabled:     false,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func plainContext() *domain.MessageContext {
	return &domain.MessageContext{ChatID: "chat-1", UserID: "user-1"}
}

func agentResult(primary string) *domain.AgentResult {
	return &domain.AgentResult{Success: true, Primary: primary}
}

func TestFormat_ShortPlainText(t *testing.T) {
	m := testManager(t, nil)

	out := m.Format(agentResult("Hello there."), plainContext(), "chat-1", "msg-9")

	if len(out) != 1 {
		t.Fatalf("expected one response, got %d", len(out))
	}
	r := out[0]
	if r.Text != "Hello there." || r.Format != domain.FormatPlain {
		t.Fatalf("unexpected response: %+v", r)
	}
	if r.ChatID != "chat-1" || r.ReplyTo != "msg-9" {
		t.Fatalf("delivery ids not stamped: %+v", r)
	}
	if r.Delivery != domain.DeliverImmediate {
		t.Fatalf("delivery = %s", r.Delivery)
	}
	if r.PartIndex != 0 || r.Continued {
		t.Fatal("single response must not carry split tags")
	}
}

func TestFormat_SplitRoundTrip(t *testing.T) {
	m := testManager(t, func(c *config.ResponseConfig) { c.MaxMessageLength = 400 })

	var b strings.Builder
	for i := 0; i < 12; i++ {
		fmt.Fprintf(&b, "Paragraph %d has a fair amount of text in it to force splitting across parts.\n\n", i)
	}
	original := strings.TrimSpace(b.String())

	out := m.Format(agentResult(original), plainContext(), "c", "")

	if len(out) < 2 {
		t.Fatalf("expected a split, got %d parts", len(out))
	}
	limit := 400 - safetyMargin
	var joined strings.Builder
	for i, r := range out {
		if len(r.Text) > limit {
			t.Fatalf("part %d exceeds limit: %d > %d", i, len(r.Text), limit)
		}
		if r.PartIndex != i+1 || r.PartTotal != len(out) {
			t.Fatalf("part %d mis-tagged: index=%d total=%d", i, r.PartIndex, r.PartTotal)
		}
		if r.Continued != (i < len(out)-1) {
			t.Fatalf("part %d continuation flag wrong", i)
		}
		joined.WriteString(r.Text)
	}
	if joined.String() != original {
		t.Fatal("concatenated parts do not reproduce the original content")
	}
}

func TestFormat_NeverSplitsInsideCodeFence(t *testing.T) {
	m := testManager(t, func(c *config.ResponseConfig) { c.MaxMessageLength = 300 })

	var code strings.Builder
	for i := 0; i < 8; i++ {
		fmt.Fprintf(&code, "line_%02d := compute(%d)\n", i, i)
	}
	text := "Here is the explanation of the change in question.\n\n" +
		"It touches the following function body shown below.\n\n" +
		"```go\n" + code.String() + "```\n\nThat is all."

	out := m.Format(agentResult(text), plainContext(), "c", "")

	if len(out) < 2 {
		t.Fatalf("expected a split, got %d parts", len(out))
	}
	for i, r := range out {
		if strings.Count(r.Text, "```")%2 != 0 {
			t.Fatalf("part %d split inside a code fence:\n%s", i, r.Text)
		}
	}
}

func TestFormat_CacheHitAndBounds(t *testing.T) {
	m := testManager(t, func(c *config.ResponseConfig) { c.CacheSize = 5 })
	mc := plainContext()

	res := agentResult("A cached answer.")
	first := m.Format(res, mc, "chat-a", "")
	second := m.Format(res, mc, "chat-b", "")

	if first[0].Text != second[0].Text {
		t.Fatal("cache hit should return the same chain")
	}
	if second[0].ChatID != "chat-b" {
		t.Fatal("cached chain must be re-stamped with the caller's chat id")
	}
	hits, _ := m.cache.stats()
	if hits != 1 {
		t.Fatalf("hits = %d", hits)
	}

	for i := 0; i < 10; i++ {
		m.Format(agentResult(fmt.Sprintf("distinct answer %d", i)), mc, "c", "")
	}
	if m.cache.len() > 5 {
		t.Fatalf("cache exceeded capacity: %d", m.cache.len())
	}
}

func TestCacheKey_MultiByteBoundary(t *testing.T) {
	// A CJK rune straddles the 100-byte prefix cutoff. The key must hash
	// whole runes only, so the torn rune contributes nothing.
	base := strings.Repeat("a", 99)
	withRune := cacheKey(agentResult(base + "世 and a long tail"))
	bare := cacheKey(agentResult(base))
	if withRune != bare {
		t.Fatalf("key with straddling rune = %q, want %q", withRune, bare)
	}

	if cacheKey(agentResult(base+"b different")) == bare {
		t.Fatal("distinct prefixes must not collide")
	}
}

func TestFormat_LongChainsNotCached(t *testing.T) {
	m := testManager(t, func(c *config.ResponseConfig) { c.MaxMessageLength = 200 })

	var b strings.Builder
	for i := 0; i < 60; i++ {
		fmt.Fprintf(&b, "Sentence number %d keeps the text growing steadily. ", i)
	}
	out := m.Format(agentResult(b.String()), plainContext(), "c", "")

	if len(out) <= maxCachedParts {
		t.Fatalf("test needs a chain longer than %d parts, got %d", maxCachedParts, len(out))
	}
	if m.cache.len() != 0 {
		t.Fatalf("chains over %d parts must not be cached", maxCachedParts)
	}
}

func TestFormat_SupplementaryAttribution(t *testing.T) {
	m := testManager(t, nil)
	res := agentResult("Main answer.")
	res.Supplementary = map[string]string{
		"summary":  "The short version.",
		"analysis": "A deeper look.",
	}

	out := m.Format(res, plainContext(), "c", "")

	if len(out) != 3 {
		t.Fatalf("expected primary plus two supplementary, got %d", len(out))
	}
	if out[0].Delivery != domain.DeliverImmediate {
		t.Fatal("primary must come first")
	}
	// Batched supplementaries follow, in agent-name order.
	if !strings.HasPrefix(out[1].Text, "From the analysis agent:") {
		t.Fatalf("missing attribution: %q", out[1].Text)
	}
	if !strings.HasPrefix(out[2].Text, "From the summary agent:") {
		t.Fatalf("missing attribution: %q", out[2].Text)
	}
	for _, r := range out[1:] {
		if r.Delivery != domain.DeliverBatched {
			t.Fatalf("supplementary delivery = %s", r.Delivery)
		}
	}
}

func TestFormat_ToolOutputs(t *testing.T) {
	m := testManager(t, nil)
	res := agentResult("Done.")
	res.ToolOutputs = []domain.ToolOutput{
		{Tool: "image_generation", Kind: "image", URL: "https://example.com/out.png"},
		{Tool: "code_execution", Kind: "text", Content: "exit status 0"},
	}

	out := m.Format(res, plainContext(), "c", "")

	var media, structured *domain.FormattedResponse
	for i := range out {
		switch out[i].Metadata["tool"] {
		case "image_generation":
			media = &out[i]
		case "code_execution":
			structured = &out[i]
		}
	}
	if media == nil || len(media.Media) != 1 || media.Media[0].Kind != "photo" {
		t.Fatalf("image tool output not rendered as media: %+v", media)
	}
	if structured == nil || !strings.Contains(structured.Text, "exit status 0") {
		t.Fatalf("text tool output not rendered: %+v", structured)
	}
	if !strings.Contains(structured.Text, "```") {
		t.Fatal("code execution output should be fenced")
	}
}

func TestFormat_StructuredWhenTechnicalToolUsed(t *testing.T) {
	m := testManager(t, nil)
	res := agentResult("Analysis complete.")
	res.ToolsUsed = []string{"code_analysis"}

	out := m.Format(res, plainContext(), "c", "")
	if out[0].Format != domain.FormatStructured {
		t.Fatalf("format = %s", out[0].Format)
	}
}

func TestFormat_ApologyOnEmptyResult(t *testing.T) {
	m := testManager(t, nil)

	out := m.Format(&domain.AgentResult{}, plainContext(), "chat-1", "")

	if len(out) != 1 {
		t.Fatalf("expected single apology, got %d", len(out))
	}
	if out[0].Metadata["error"] == "" {
		t.Fatal("apology must record the failure in metadata")
	}
	if out[0].ChatID != "chat-1" {
		t.Fatal("apology still needs a destination")
	}
}

func TestEnhance_Steps(t *testing.T) {
	m := testManager(t, nil)
	mc := plainContext()

	in := "Result :\n\n\n\n* first item\n* second item\n```\nvalue = 1\n```"
	got := m.enhance(in, domain.FormatMarkdown, mc)

	if strings.Contains(got, "\n\n\n") {
		t.Fatal("blank-line runs should collapse")
	}
	if strings.Contains(got, " :") {
		t.Fatal("space before punctuation should be removed")
	}
	if !strings.Contains(got, "- first item") {
		t.Fatalf("star bullets should normalize: %q", got)
	}
	if !strings.Contains(got, "```text") {
		t.Fatalf("bare fences should get a language tag: %q", got)
	}

	if again := m.enhance(got, domain.FormatMarkdown, mc); again != got {
		t.Fatalf("enhancement not idempotent:\n%q\n%q", got, again)
	}
}

func TestEnhance_EmojiByMode(t *testing.T) {
	m := testManager(t, func(c *config.ResponseConfig) { c.EmojiEnabled = true })
	mc := plainContext()
	mc.Hints.Mode = domain.ModeCasual

	got := m.enhance("sounds good", domain.FormatPlain, mc)
	if !strings.HasPrefix(got, "💬") {
		t.Fatalf("casual mode should get an emoji prefix: %q", got)
	}
	if again := m.enhance(got, domain.FormatPlain, mc); again != got {
		t.Fatal("emoji prefix must not stack")
	}

	mc.Hints.Mode = domain.ModeTechnical
	if got := m.enhance("deploy finished", domain.FormatPlain, mc); strings.HasPrefix(got, "💬") {
		t.Fatal("technical mode stays unadorned")
	}
}

func TestEnhance_ExpertiseBolding(t *testing.T) {
	m := testManager(t, nil)
	mc := plainContext()
	mc.Hints.Expertise = []string{"programming"}

	got := m.enhance("A goroutine per request is fine; each goroutine is cheap.", domain.FormatMarkdown, mc)
	if !strings.Contains(got, "**goroutine**") {
		t.Fatalf("expertise term should be bolded: %q", got)
	}
	if strings.Count(got, "**goroutine**") != 1 {
		t.Fatalf("only the first occurrence should be bolded: %q", got)
	}
}

func TestSplitContent_HardCutKeepsRunesWhole(t *testing.T) {
	text := strings.Repeat("héllo wörld ", 40) // multi-byte runes throughout
	parts := splitContent(text, 50, splitHard)

	var joined strings.Builder
	for _, p := range parts {
		if len(p) > 50 {
			t.Fatalf("part too long: %d", len(p))
		}
		joined.WriteString(p)
	}
	if joined.String() != text {
		t.Fatal("hard split lost content")
	}
	for i, p := range parts {
		if !utf8Valid(p) {
			t.Fatalf("part %d is not valid UTF-8: %q", i, p)
		}
	}
}

func utf8Valid(s string) bool {
	for _, r := range s {
		if r == '�' {
			return false
		}
	}
	return true
}
