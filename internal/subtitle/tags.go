package subtitle

import (
	"strings"
	"unicode"
)

// decodeASSText converts ASS dialogue markup into plain cue text:
// override tags {\...} are removed, \h becomes a space, \N and \n become
// line breaks, and drawing spans {\p1}...{\p0} are dropped entirely.
// A {...} block without a leading backslash is not a tag and is kept.
func decodeASSText(s string) string {
	var b strings.Builder
	drawing := false
	for i := 0; i < len(s); {
		if s[i] == '{' {
			end := strings.IndexByte(s[i:], '}')
			if end < 0 {
				if !drawing {
					b.WriteString(s[i:])
				}
				break
			}
			end += i
			block := s[i+1 : end]
			if !strings.HasPrefix(block, "\\") {
				// Plain braces, e.g. {laughs}: not markup.
				if !drawing {
					b.WriteString(s[i : end+1])
				}
				i = end + 1
				continue
			}
			switch drawingSwitch(block) {
			case 1:
				drawing = true
			case -1:
				drawing = false
			}
			i = end + 1
			continue
		}
		if drawing {
			i++
			continue
		}
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case 'N', 'n':
				b.WriteByte('\n')
				i += 2
				continue
			case 'h':
				b.WriteByte(' ')
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}

// drawingSwitch reports whether an override block enters (+1) or leaves (-1)
// drawing mode via a \p tag, or neither (0).
func drawingSwitch(block string) int {
	for _, tag := range strings.Split(block, "\\") {
		if len(tag) >= 2 && tag[0] == 'p' && tag[1] >= '0' && tag[1] <= '9' {
			if tag[1] == '0' {
				return -1
			}
			return 1
		}
	}
	return 0
}

func encodeASSText(s string) string {
	return strings.ReplaceAll(s, "\n", "\\N")
}

// StripHTML removes balanced HTML-ish styling tags (<i>, <font ...>, <b>)
// from cue text, keeping unmatched tags and non-tag angle brackets intact.
// <br> and <br/> become line breaks.
func StripHTML(text string) string {
	tokens := tokenizeHTML(text)
	hasTag := false
	for _, tok := range tokens {
		if tok.isTag {
			hasTag = true
			break
		}
	}
	if !hasTag {
		return text
	}

	var stack []int
	for i := range tokens {
		tok := &tokens[i]
		if !tok.isTag {
			continue
		}
		switch tok.tagType {
		case htmlTagSelf:
			tok.remove = true
		case htmlTagOpen:
			stack = append(stack, i)
		case htmlTagClose:
			if len(stack) == 0 {
				continue
			}
			last := stack[len(stack)-1]
			if strings.EqualFold(tokens[last].tagName, tok.tagName) {
				tokens[last].remove = true
				tok.remove = true
				stack = stack[:len(stack)-1]
			}
		}
	}

	var b strings.Builder
	changed := false
	for _, tok := range tokens {
		if !tok.isTag || !tok.remove {
			b.WriteString(tok.raw)
			continue
		}
		changed = true
		if tok.tagName == "br" {
			b.WriteByte('\n')
		}
	}
	if !changed {
		return text
	}

	var kept []string
	for _, line := range strings.Split(b.String(), "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			kept = append(kept, trimmed)
		}
	}
	return CleanText(strings.Join(kept, "\n"))
}

type htmlTagType int

const (
	htmlTagOpen htmlTagType = iota
	htmlTagClose
	htmlTagSelf
)

type htmlToken struct {
	raw     string
	isTag   bool
	tagName string
	tagType htmlTagType
	remove  bool
}

func tokenizeHTML(text string) []htmlToken {
	var tokens []htmlToken
	for i := 0; i < len(text); {
		if text[i] != '<' {
			next := strings.IndexByte(text[i:], '<')
			if next == -1 {
				tokens = append(tokens, htmlToken{raw: text[i:]})
				break
			}
			tokens = append(tokens, htmlToken{raw: text[i : i+next]})
			i += next
			continue
		}
		end := strings.IndexByte(text[i:], '>')
		if end == -1 {
			tokens = append(tokens, htmlToken{raw: text[i:]})
			break
		}
		end += i
		raw := text[i : end+1]
		name, tagType, ok := parseHTMLTag(raw)
		if !ok {
			tokens = append(tokens, htmlToken{raw: raw})
		} else {
			tokens = append(tokens, htmlToken{raw: raw, isTag: true, tagName: name, tagType: tagType})
		}
		i = end + 1
	}
	return tokens
}

func parseHTMLTag(raw string) (string, htmlTagType, bool) {
	if len(raw) < 3 || raw[0] != '<' || raw[len(raw)-1] != '>' {
		return "", htmlTagOpen, false
	}
	inner := strings.TrimSpace(raw[1 : len(raw)-1])
	if inner == "" || strings.HasPrefix(inner, "!") || strings.HasPrefix(inner, "?") {
		return "", htmlTagOpen, false
	}
	closing := false
	if strings.HasPrefix(inner, "/") {
		closing = true
		inner = strings.TrimSpace(inner[1:])
	}
	selfClosing := false
	if strings.HasSuffix(inner, "/") {
		selfClosing = true
		inner = strings.TrimSpace(inner[:len(inner)-1])
	}
	fields := strings.Fields(inner)
	if len(fields) == 0 {
		return "", htmlTagOpen, false
	}
	name := fields[0]
	for i, r := range name {
		if i == 0 && !unicode.IsLetter(r) {
			return "", htmlTagOpen, false
		}
		if i > 0 && !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == ':' || r == '_') {
			return "", htmlTagOpen, false
		}
	}
	name = strings.ToLower(name)
	if closing && selfClosing {
		return "", htmlTagOpen, false
	}
	switch {
	case name == "br" && !closing:
		return name, htmlTagSelf, true
	case closing:
		return name, htmlTagClose, true
	case selfClosing:
		return name, htmlTagSelf, true
	default:
		return name, htmlTagOpen, true
	}
}
