package response

import (
	"html"
	"regexp"
	"strings"

	"relaybot/internal/domain"
)

var (
	extraBlankLines = regexp.MustCompile(`\n{3,}`)
	trailingSpaces  = regexp.MustCompile(`[ \t]+\n`)
	spaceBeforePunc = regexp.MustCompile(` +([,.;:!?])`)
	bareURL         = regexp.MustCompile(`https?://[^\s<>"]+`)
	bulletStar      = regexp.MustCompile(`(?m)^(\s*)[*•]\s+`)
)

// modeEmoji prefixes for conversational modes. Technical responses stay
// unadorned.
var modeEmoji = map[domain.ConversationMode]string{
	domain.ModeCasual:   "💬",
	domain.ModeCreative: "✨",
	domain.ModeSupport:  "🤝",
}

// expertiseTerms maps a profile expertise tag to the terms worth bolding in
// responses for that user.
var expertiseTerms = map[string][]string{
	"programming": {"goroutine", "interface", "compiler", "runtime", "refactor"},
	"devops":      {"deployment", "container", "pipeline", "rollback", "cluster"},
	"data":        {"dataset", "schema", "query", "index", "aggregation"},
	"design":      {"layout", "contrast", "typography", "palette", "wireframe"},
}

// enhance runs the ordered content-enhancement pipeline. Each step is
// idempotent on already-clean text, so re-formatting cached or re-processed
// content is safe.
func (m *Manager) enhance(text string, format domain.ResponseFormat, mc *domain.MessageContext) string {
	text = normalizeWhitespace(text)
	text = tagCodeBlocks(text)
	text = m.applyEmoji(text, mc)
	text = normalizeLists(text)
	text = boldExpertiseTerms(text, mc)
	text = render(text, format)
	text = autolink(text, format)
	return text
}

func normalizeWhitespace(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = trailingSpaces.ReplaceAllString(text, "\n")
	text = extraBlankLines.ReplaceAllString(text, "\n\n")
	// Punctuation spacing is prose-only; fenced code keeps its exact bytes.
	text = applyOutsideFences(text, func(s string) string {
		return spaceBeforePunc.ReplaceAllString(s, "$1")
	})
	return strings.TrimSpace(text)
}

// tagCodeBlocks gives untagged opening fences a language tag so renderers
// fall back to monospace instead of guessing.
func tagCodeBlocks(text string) string {
	var b strings.Builder
	open := false
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if !open && trimmed == "```" {
				line = strings.Replace(line, "```", "```text", 1)
			}
			open = !open
		}
		b.WriteString(line)
		if i < len(lines)-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func (m *Manager) applyEmoji(text string, mc *domain.MessageContext) string {
	if !m.cfg.EmojiEnabled || mc == nil {
		return text
	}
	emoji, ok := modeEmoji[mc.Hints.Mode]
	if !ok || strings.HasPrefix(text, emoji) {
		return text
	}
	return emoji + " " + text
}

func normalizeLists(text string) string {
	return applyOutsideFences(text, func(s string) string {
		return bulletStar.ReplaceAllString(s, "$1- ")
	})
}

// boldExpertiseTerms bolds the first occurrence of each term matching the
// user's expertise tags, outside code fences only.
func boldExpertiseTerms(text string, mc *domain.MessageContext) string {
	if mc == nil || len(mc.Hints.Expertise) == 0 {
		return text
	}
	for _, tag := range mc.Hints.Expertise {
		for _, term := range expertiseTerms[tag] {
			re := regexp.MustCompile(`(?i)\b(` + regexp.QuoteMeta(term) + `)\b`)
			text = applyOutsideFences(text, func(s string) string {
				done := false
				return re.ReplaceAllStringFunc(s, func(match string) string {
					if done || strings.Contains(s, "**"+match+"**") {
						return match
					}
					done = true
					return "**" + match + "**"
				})
			})
		}
	}
	return text
}

func render(text string, format domain.ResponseFormat) string {
	switch format {
	case domain.FormatCode:
		if !strings.Contains(text, "```") {
			return "```text\n" + text + "\n```"
		}
		return text
	case domain.FormatHTML:
		if !strings.ContainsAny(text, "<>") {
			return html.EscapeString(text)
		}
		return text
	default:
		return text
	}
}

func autolink(text string, format domain.ResponseFormat) string {
	if format != domain.FormatHTML {
		return text
	}
	return bareURL.ReplaceAllStringFunc(text, func(u string) string {
		return `<a href="` + u + `">` + u + `</a>`
	})
}

// applyOutsideFences applies fn to the segments of text outside fenced code
// blocks, leaving fenced content untouched.
func applyOutsideFences(text string, fn func(string) string) string {
	segments := strings.Split(text, "```")
	for i := range segments {
		if i%2 == 0 {
			segments[i] = fn(segments[i])
		}
	}
	return strings.Join(segments, "```")
}
