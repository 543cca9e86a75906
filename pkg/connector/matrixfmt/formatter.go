// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrixfmt converts Matrix HTML to WhatsApp markup.
package matrixfmt

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"
)

var (
	replyFallbackRe = regexp.MustCompile(`(?s)<mx-reply>.*?</mx-reply>`)
	linkRe          = regexp.MustCompile(`<a href="([^"]+)"[^>]*>(.*?)</a>`)
	quoteRe         = regexp.MustCompile(`(?s)<blockquote>(.*?)</blockquote>`)
	listRe          = regexp.MustCompile(`(?s)<(ul|ol)>(.*?)</(?:ul|ol)>`)
	itemRe          = regexp.MustCompile(`(?s)<li>(.*?)</li>`)
	paragraphRe     = regexp.MustCompile(`(?s)<p>(.*?)</p>`)
	lineBreakRe     = regexp.MustCompile(`<br\s*/?>`)
	anyTagRe        = regexp.MustCompile(`<[^>]+>`)
)

type tagRule struct {
	re   *regexp.Regexp
	repl string
}

// Code goes first so that later rules see backticks instead of tags.
var spanRules = []tagRule{
	{regexp.MustCompile(`(?s)<pre><code[^>]*>(.*?)</code></pre>`), "```$1```"},
	{regexp.MustCompile(`<code[^>]*>(.*?)</code>`), "`$1`"},
	{regexp.MustCompile(`(?s)<(?:strong|b)>(.*?)</(?:strong|b)>`), "*$1*"},
	{regexp.MustCompile(`(?s)<(?:em|i)>(.*?)</(?:em|i)>`), "_${1}_"},
	{regexp.MustCompile(`(?s)<(?:del|s|strike)>(.*?)</(?:del|s|strike)>`), "~$1~"},
}

var headingRe = regexp.MustCompile(`<h[1-6]>(.*?)</h[1-6]>`)

// Parse converts Matrix message content to WhatsApp markup. Plain text
// content is returned unchanged.
func Parse(content *event.MessageEventContent) string {
	switch {
	case content == nil:
		return ""
	case content.Format != event.FormatHTML || content.FormattedBody == "":
		return content.Body
	}

	text := replyFallbackRe.ReplaceAllString(content.FormattedBody, "")
	for _, rule := range spanRules {
		text = rule.re.ReplaceAllString(text, rule.repl)
	}
	text = linkRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := linkRe.FindStringSubmatch(m)
		return linkText(sub[1], sub[2])
	})
	text = headingRe.ReplaceAllString(text, "*$1*\n")
	text = quoteRe.ReplaceAllStringFunc(text, func(m string) string {
		return quoteText(quoteRe.FindStringSubmatch(m)[1])
	})
	text = listRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := listRe.FindStringSubmatch(m)
		return listText(sub[1] == "ol", sub[2])
	})
	text = paragraphRe.ReplaceAllString(text, "$1\n\n")
	text = lineBreakRe.ReplaceAllString(text, "\n")
	text = anyTagRe.ReplaceAllString(text, "")
	return strings.TrimSpace(html.UnescapeString(text))
}

// linkText writes the URL after the label since WhatsApp has no link markup.
// Matrix pills keep only their label.
func linkText(href, label string) string {
	switch {
	case strings.HasPrefix(href, "https://matrix.to/"):
		return label
	case label == href, anyTagRe.ReplaceAllString(label, "") == href:
		return href
	default:
		return label + " (" + href + ")"
	}
}

func quoteText(inner string) string {
	inner = lineBreakRe.ReplaceAllString(strings.TrimSpace(inner), "\n")
	inner = paragraphRe.ReplaceAllString(inner, "$1\n")
	var sb strings.Builder
	for line := range strings.SplitSeq(strings.TrimSpace(inner), "\n") {
		sb.WriteString("> ")
		sb.WriteString(strings.TrimSpace(line))
		sb.WriteByte('\n')
	}
	return sb.String()
}

func listText(ordered bool, inner string) string {
	var sb strings.Builder
	for i, item := range itemRe.FindAllStringSubmatch(inner, -1) {
		if ordered {
			sb.WriteString(strconv.Itoa(i + 1))
			sb.WriteString(". ")
		} else {
			sb.WriteString("- ")
		}
		sb.WriteString(strings.TrimSpace(item[1]))
		sb.WriteByte('\n')
	}
	return sb.String()
}
