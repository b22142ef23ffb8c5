package response

import (
	"strings"
	"unicode/utf8"
)

// splitStrategy names the cut-point heuristic used for long content.
type splitStrategy string

const (
	splitSemantic  splitStrategy = "semantic"
	splitParagraph splitStrategy = "paragraph"
	splitCodeAware splitStrategy = "code_block"
	splitSentence  splitStrategy = "sentence"
	splitHard      splitStrategy = "hard"
)

// splitContent partitions text into chunks of at most limit bytes using the
// given strategy. Chunks are exact substrings of the input, so concatenating
// them reproduces the original content byte for byte.
func splitContent(text string, limit int, strategy splitStrategy) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var cut func(window string, offset int, full string) int
	switch strategy {
	case splitCodeAware:
		cut = codeAwareCut
	case splitParagraph:
		cut = paragraphCut
	case splitSentence:
		cut = sentenceCut
	case splitSemantic:
		cut = func(w string, off int, full string) int {
			if i := paragraphCut(w, off, full); i > 0 {
				return i
			}
			return sentenceCut(w, off, full)
		}
	default:
		cut = func(w string, off int, full string) int { return -1 }
	}

	var parts []string
	rest := text
	offset := 0
	for len(rest) > limit {
		window := rest[:limit]
		i := cut(window, offset, text)
		if i <= 0 {
			i = hardCut(window)
		}
		parts = append(parts, rest[:i])
		rest = rest[i:]
		offset += i
	}
	if len(rest) > 0 {
		parts = append(parts, rest)
	}
	return parts
}

// paragraphCut cuts after the last blank line in the window.
func paragraphCut(window string, _ int, _ string) int {
	if i := strings.LastIndex(window, "\n\n"); i > 0 {
		return i + 2
	}
	return -1
}

// sentenceCut cuts after the last sentence terminator followed by whitespace.
func sentenceCut(window string, _ int, _ string) int {
	best := -1
	for _, sep := range []string{". ", ".\n", "! ", "!\n", "? ", "?\n"} {
		if i := strings.LastIndex(window, sep); i > 0 && i+len(sep) > best {
			best = i + len(sep)
		}
	}
	return best
}

// codeAwareCut cuts at the last newline in the window that does not fall
// inside a fenced code block. Fence positions are computed against the full
// original text so a window that opens mid-block is handled correctly.
func codeAwareCut(window string, offset int, full string) int {
	candidate := strings.LastIndexByte(window, '\n')
	for candidate > 0 {
		if !insideFence(full, offset+candidate) {
			return candidate + 1
		}
		candidate = strings.LastIndexByte(window[:candidate], '\n')
	}
	return -1
}

// insideFence reports whether byte position pos of text sits inside a fenced
// code block.
func insideFence(text string, pos int) bool {
	open := false
	idx := 0
	for {
		i := strings.Index(text[idx:], "```")
		if i < 0 {
			return open
		}
		abs := idx + i
		if abs >= pos {
			return open
		}
		open = !open
		idx = abs + 3
	}
}

// hardCut falls back to the byte limit, backing up so a multi-byte character
// straddling the limit is never torn in half.
func hardCut(window string) int {
	start := len(window) - 1
	for start > 0 && !utf8.RuneStart(window[start]) {
		start--
	}
	if r, size := utf8.DecodeRuneInString(window[start:]); r == utf8.RuneError && size <= 1 {
		if start > 0 {
			return start
		}
	}
	return len(window)
}

// chooseSplitStrategy picks the splitter for one piece of content.
func chooseSplitStrategy(text string, format splitHint) splitStrategy {
	switch {
	case strings.Contains(text, "```"):
		return splitCodeAware
	case format == hintMarkdown && strings.Contains(text, "\n\n"):
		return splitSemantic
	case strings.Contains(text, "\n\n"):
		return splitParagraph
	case strings.ContainsAny(text, ".!?"):
		return splitSentence
	default:
		return splitHard
	}
}

type splitHint int

const (
	hintPlain splitHint = iota
	hintMarkdown
)
