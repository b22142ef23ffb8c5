package router

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/domain"
)

func testRouter() *Router {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(config.RoutingConfig{AdaptiveEnabled: true}, logger)
}

func textReq(text string) domain.InboundRequest {
	return domain.InboundRequest{MessageID: "m1", ChatID: "c1", UserID: "u1", Text: text, Timestamp: time.Now()}
}

func TestRoute_Classification(t *testing.T) {
	r := testRouter()

	cases := []struct {
		name string
		req  domain.InboundRequest
		want domain.MessageType
	}{
		{"command", textReq("/restart the service"), domain.TypeCommand},
		{"question", textReq("what time is the meeting?"), domain.TypeQuestion},
		{"code", textReq("```go\nfunc main() {}\n```"), domain.TypeCode},
		{"technical", textReq("the server deploy threw an exception in the api config"), domain.TypeTechnical},
		{"creative", textReq("write a short story and a poem about autumn"), domain.TypeCreative},
		{"casual", textReq("good morning everyone"), domain.TypeCasual},
		{"photo", domain.InboundRequest{Media: &domain.MediaInfo{Kind: "photo"}}, domain.TypePhoto},
		{"document", domain.InboundRequest{Media: &domain.MediaInfo{MimeType: "application/pdf"}}, domain.TypeDocument},
		{"voice", domain.InboundRequest{Media: &domain.MediaInfo{Kind: "voice"}}, domain.TypeVoice},
		{"reply only", domain.InboundRequest{Reply: &domain.ReplyInfo{MessageID: "m0"}}, domain.TypeReply},
		{"forward only", domain.InboundRequest{Forward: &domain.ForwardInfo{FromChatID: "c9"}}, domain.TypeForward},
		{"empty", domain.InboundRequest{}, domain.TypeUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := r.Route(tc.req, nil)
			if res.Type != tc.want {
				t.Fatalf("expected %s, got %s (confidence %v)", tc.want, res.Type, res.Confidence)
			}
		})
	}
}

func TestRoute_MediaOverridesText(t *testing.T) {
	r := testRouter()

	req := textReq("what is in this picture?")
	req.Media = &domain.MediaInfo{Kind: "photo"}
	res := r.Route(req, nil)
	if res.Type != domain.TypePhoto {
		t.Fatalf("media should take precedence, got %s", res.Type)
	}
}

func TestRoute_UrgencyBumpsPriority(t *testing.T) {
	r := testRouter()

	calm := r.Route(textReq("what time is the meeting?"), nil)
	if calm.Priority != domain.PriorityNormal {
		t.Fatalf("expected normal priority, got %s", calm.Priority)
	}

	urgent := r.Route(textReq("urgent: what time is the meeting?"), nil)
	if urgent.Priority != domain.PriorityHigh {
		t.Fatalf("expected high priority with urgency keyword, got %s", urgent.Priority)
	}
}

func TestRoute_SecondaryHandlerAugmentation(t *testing.T) {
	r := testRouter()

	res := r.Route(textReq("is this snippet right? func add(a, b int) int { return a + b }"), nil)
	if !containsStr(res.SecondaryHandlers, "code_analysis") {
		t.Fatalf("code presence should add code_analysis, got %v", res.SecondaryHandlers)
	}

	res = r.Route(textReq("summarize https://example.com/post for me please"), nil)
	if !containsStr(res.SecondaryHandlers, "web_content") {
		t.Fatalf("URL presence should add web_content, got %v", res.SecondaryHandlers)
	}
}

func TestRoute_StrategyLookup(t *testing.T) {
	r := testRouter()

	cases := []struct {
		text string
		want domain.RouteStrategy
	}{
		{"/help", domain.RouteDirect},
		{"why is the build failing?", domain.RouteParallel},
		{"```python\ndef f():\n    pass\n```", domain.RouteSequential},
	}
	for _, tc := range cases {
		res := r.Route(textReq(tc.text), nil)
		if res.Strategy != tc.want {
			t.Errorf("text %q: expected strategy %s, got %s", tc.text, tc.want, res.Strategy)
		}
	}
}

func TestRoute_EstimatedTimeScalesWithLength(t *testing.T) {
	r := testRouter()

	short := r.Route(textReq("hello there friend"), nil)
	long := ""
	for i := 0; i < 300; i++ {
		long += "hello there friend "
	}
	longRes := r.Route(textReq(long), nil)

	if longRes.EstimatedTime <= short.EstimatedTime {
		t.Fatalf("longer text should estimate more time: %v vs %v", short.EstimatedTime, longRes.EstimatedTime)
	}
	// Length factor is capped at 3x base scaling.
	if longRes.EstimatedTime > 10*short.EstimatedTime {
		t.Fatalf("length factor not capped: %v", longRes.EstimatedTime)
	}
}

func TestRoute_StatusCounts(t *testing.T) {
	r := testRouter()
	r.Route(textReq("/cmd"), nil)
	r.Route(textReq("hello"), nil)

	st := r.Status()
	if st["routed"].(int64) != 2 {
		t.Fatalf("expected 2 routed, got %v", st["routed"])
	}
}
