// Copyright 2024-2026 Aiku AI

// Package whatsappfmt converts WhatsApp markup to Matrix HTML.
//
// WhatsApp knows *bold*, _italic_, ~strikethrough~, `inline code` and
// ```monospace``` spans, plus "-" and "1." lists and "> " quotes at the
// start of a line.
package whatsappfmt

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"
)

// ParsedMessage holds the result of converting WhatsApp markup to Matrix format.
type ParsedMessage struct {
	Body          string
	Format        event.Format
	FormattedBody string
}

var (
	monoRe  = regexp.MustCompile("(?s)```(.*?)```")
	codeRe  = regexp.MustCompile("`([^`\n]+)`")
	stashRe = regexp.MustCompile("\x00([0-9]+)\x00")

	bulletRe = regexp.MustCompile(`^[-*]\s+(.+)$`)
	numberRe = regexp.MustCompile(`^\d+\.\s+(.+)$`)
	quoteRe  = regexp.MustCompile(`^>\s?(.+)$`)
)

type inlineRule struct {
	re   *regexp.Regexp
	repl string
}

// Inline rules run on already escaped text. Underscores inside words, as in
// snake_case, are not italics.
var inlineRules = []inlineRule{
	{regexp.MustCompile(`\*([^*\n]+)\*`), "<strong>$1</strong>"},
	{regexp.MustCompile(`(^|[^\pL\pN_])_([^_\n]+)_($|[^\pL\pN_])`), "$1<em>$2</em>$3"},
	{regexp.MustCompile(`~([^~\n]+)~`), "<del>$1</del>"},
}

// HasMarkup reports whether text contains any WhatsApp formatting.
func HasMarkup(text string) bool {
	if monoRe.MatchString(text) || codeRe.MatchString(text) {
		return true
	}
	for _, rule := range inlineRules {
		if rule.re.MatchString(text) {
			return true
		}
	}
	for line := range strings.SplitSeq(text, "\n") {
		if bulletRe.MatchString(line) || numberRe.MatchString(line) || quoteRe.MatchString(line) {
			return true
		}
	}
	return false
}

// Parse converts a WhatsApp message to Matrix event content. Messages without
// any markup are returned as plain text.
func Parse(text string) *ParsedMessage {
	if !HasMarkup(text) {
		return &ParsedMessage{Body: text}
	}
	var r renderer
	return &ParsedMessage{
		Body:          text,
		Format:        event.FormatHTML,
		FormattedBody: r.render(text),
	}
}

type renderer struct {
	stashed []string
	lines   []string
	list    string
	items   []string
}

// stash replaces a code span with a marker so that no other rule touches its
// content. Markers are swapped back in by unstash.
func (r *renderer) stash(markup string) string {
	r.stashed = append(r.stashed, markup)
	return "\x00" + strconv.Itoa(len(r.stashed)-1) + "\x00"
}

func (r *renderer) unstash(s string) string {
	return stashRe.ReplaceAllStringFunc(s, func(marker string) string {
		i, _ := strconv.Atoi(strings.Trim(marker, "\x00"))
		return r.stashed[i]
	})
}

func (r *renderer) render(text string) string {
	text = strings.ReplaceAll(text, "\x00", "")
	text = monoRe.ReplaceAllStringFunc(text, func(m string) string {
		inner := strings.TrimPrefix(monoRe.FindStringSubmatch(m)[1], "\n")
		return r.stash("<pre><code>" + html.EscapeString(inner) + "</code></pre>")
	})
	text = codeRe.ReplaceAllStringFunc(text, func(m string) string {
		return r.stash("<code>" + html.EscapeString(codeRe.FindStringSubmatch(m)[1]) + "</code>")
	})

	for line := range strings.SplitSeq(text, "\n") {
		r.addLine(line)
	}
	r.closeList()
	return r.unstash(strings.Join(r.lines, "<br/>"))
}

func (r *renderer) addLine(line string) {
	if m := quoteRe.FindStringSubmatch(line); m != nil {
		r.closeList()
		r.lines = append(r.lines, "<blockquote>"+inline(m[1])+"</blockquote>")
		return
	}
	if m := bulletRe.FindStringSubmatch(line); m != nil {
		r.openList("ul")
		r.items = append(r.items, "<li>"+inline(m[1])+"</li>")
		return
	}
	if m := numberRe.FindStringSubmatch(line); m != nil {
		r.openList("ol")
		r.items = append(r.items, "<li>"+inline(m[1])+"</li>")
		return
	}
	r.closeList()
	r.lines = append(r.lines, inline(line))
}

func (r *renderer) openList(tag string) {
	if r.list != tag {
		r.closeList()
		r.list = tag
	}
}

func (r *renderer) closeList() {
	if len(r.items) > 0 {
		r.lines = append(r.lines, "<"+r.list+">"+strings.Join(r.items, "")+"</"+r.list+">")
	}
	r.items = nil
	r.list = ""
}

func inline(s string) string {
	s = html.EscapeString(s)
	for _, rule := range inlineRules {
		s = rule.re.ReplaceAllString(s, rule.repl)
	}
	return s
}
