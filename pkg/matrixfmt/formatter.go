// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrixfmt converts Matrix HTML to the formats of other networks:
// Mattermost markdown and the HTML subset accepted by the Telegram Bot API.
package matrixfmt

import (
	"html"
	"regexp"
	"strconv"
	"strings"
)

var (
	strongRe     = regexp.MustCompile(`(?s)<(?:strong|b)>(.*?)</(?:strong|b)>`)
	emRe         = regexp.MustCompile(`(?s)<(?:em|i)>(.*?)</(?:em|i)>`)
	delRe        = regexp.MustCompile(`(?s)<(?:del|s|strike)>(.*?)</(?:del|s|strike)>`)
	codeRe       = regexp.MustCompile(`(?s)<code>(.*?)</code>`)
	preRe        = regexp.MustCompile(`(?s)<pre><code(?: class="language-([\w+-]+)")?>(.*?)</code></pre>`)
	linkRe       = regexp.MustCompile(`(?s)<a href="([^"]+)"[^>]*>(.*?)</a>`)
	brRe         = regexp.MustCompile(`<br\s*/?>`)
	blockquoteRe = regexp.MustCompile(`(?s)<blockquote>(.*?)</blockquote>`)
	headingRe    = regexp.MustCompile(`(?s)<h([1-6])>(.*?)</h[1-6]>`)
	ulRe         = regexp.MustCompile(`(?s)<ul>(.*?)</ul>`)
	olRe         = regexp.MustCompile(`(?s)<ol(?: start="(\d+)")?>(.*?)</ol>`)
	liRe         = regexp.MustCompile(`(?s)<li>(.*?)</li>`)
	pRe          = regexp.MustCompile(`(?s)<p>(.*?)</p>`)
	spoilerRe    = regexp.MustCompile(`(?s)<span data-mx-spoiler(?:="[^"]*")?>(.*?)</span>`)
	tagRe        = regexp.MustCompile(`</?([a-zA-Z][a-zA-Z0-9-]*)[^>]*>`)
	blankLinesRe = regexp.MustCompile(`\n{3,}`)
)

// ToMarkdown converts a Matrix message to Mattermost markdown. When
// formatted is empty the plain body is returned unchanged.
func ToMarkdown(body, formatted string) string {
	if formatted == "" {
		return body
	}

	text := formatted

	// Code blocks first (preserve content inside).
	text = preRe.ReplaceAllString(text, "```$1\n$2\n```")
	text = codeRe.ReplaceAllString(text, "`$1`")

	// Inline formatting.
	text = strongRe.ReplaceAllString(text, "**$1**")
	text = emRe.ReplaceAllString(text, "_${1}_")
	text = delRe.ReplaceAllString(text, "~~$1~~")
	text = spoilerRe.ReplaceAllString(text, "$1")

	text = linkRe.ReplaceAllString(text, "[$2]($1)")

	text = headingRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := headingRe.FindStringSubmatch(match)
		level, _ := strconv.Atoi(parts[1])
		return strings.Repeat("#", level) + " " + parts[2] + "\n"
	})

	text = blockquoteRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := blockquoteRe.FindStringSubmatch(match)
		inner := brRe.ReplaceAllString(parts[1], "\n")
		inner = pRe.ReplaceAllString(inner, "$1\n")
		lines := strings.Split(strings.TrimSpace(inner), "\n")
		for i, line := range lines {
			lines[i] = "> " + strings.TrimSpace(line)
		}
		return strings.Join(lines, "\n") + "\n"
	})

	text = renderLists(text, "- ")

	text = pRe.ReplaceAllString(text, "$1\n\n")
	text = brRe.ReplaceAllString(text, "\n")

	// Strip remaining HTML tags.
	text = tagRe.ReplaceAllString(text, "")
	text = html.UnescapeString(text)
	text = blankLinesRe.ReplaceAllString(text, "\n\n")

	return strings.TrimSpace(text)
}

// telegramTags are the tags the Bot API accepts in HTML parse mode.
var telegramTags = map[string]string{
	"b":          "b",
	"strong":     "b",
	"i":          "i",
	"em":         "i",
	"u":          "u",
	"ins":        "u",
	"s":          "s",
	"strike":     "s",
	"del":        "s",
	"code":       "code",
	"pre":        "pre",
	"blockquote": "blockquote",
	"tg-spoiler": "tg-spoiler",
}

// ToTelegramHTML converts Matrix HTML to the subset of HTML supported by
// Telegram's HTML parse mode. Text stays entity-escaped.
func ToTelegramHTML(formatted string) string {
	if formatted == "" {
		return ""
	}

	text := formatted
	text = spoilerRe.ReplaceAllString(text, "<tg-spoiler>$1</tg-spoiler>")
	text = preRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := preRe.FindStringSubmatch(match)
		if parts[1] != "" {
			return `<pre><code class="language-` + parts[1] + `">` + parts[2] + "</code></pre>"
		}
		return "<pre>" + parts[2] + "</pre>"
	})
	text = anchorRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := anchorRe.FindStringSubmatch(match)
		if m := linkHrefRe.FindStringSubmatch(parts[1]); m != nil && safeURL(html.UnescapeString(m[1])) {
			return `<a href="` + html.EscapeString(html.UnescapeString(m[1])) + `">` + parts[2] + "</a>"
		}
		return parts[2]
	})
	text = headingRe.ReplaceAllString(text, "<b>$2</b>\n")
	text = renderLists(text, "• ")
	text = pRe.ReplaceAllString(text, "$1\n\n")
	text = brRe.ReplaceAllString(text, "\n")

	var sb strings.Builder
	last := 0
	for _, loc := range tagRe.FindAllStringSubmatchIndex(text, -1) {
		sb.WriteString(strayBrackets.Replace(text[last:loc[0]]))
		last = loc[1]
		sb.WriteString(telegramTag(text[loc[0]:loc[1]], strings.ToLower(text[loc[2]:loc[3]])))
	}
	sb.WriteString(strayBrackets.Replace(text[last:]))

	out := blankLinesRe.ReplaceAllString(sb.String(), "\n\n")
	return strings.TrimSpace(out)
}

func telegramTag(tag, name string) string {
	closing := strings.HasPrefix(tag, "</")
	if name == "a" {
		// Only anchors normalized above survive.
		if tag == "</a>" || telegramAnchorRe.MatchString(tag) {
			return tag
		}
		return ""
	}
	if name == "code" && !closing {
		if m := codeClassRe.FindStringSubmatch(tag); m != nil {
			return `<code class="language-` + m[1] + `">`
		}
	}
	mapped, ok := telegramTags[name]
	if !ok {
		return ""
	}
	if closing {
		return "</" + mapped + ">"
	}
	return "<" + mapped + ">"
}

var (
	anchorRe         = regexp.MustCompile(`(?s)<a\b([^>]*)>(.*?)</a>`)
	linkHrefRe       = regexp.MustCompile(`href="([^"]*)"`)
	telegramAnchorRe = regexp.MustCompile(`^<a href="[^"<>]*">$`)
	codeClassRe      = regexp.MustCompile(`class="language-([\w+-]+)"`)

	// strayBrackets escapes angle brackets that are not part of a tag, which
	// Telegram rejects in HTML parse mode.
	strayBrackets = strings.NewReplacer("<", "&lt;", ">", "&gt;")
)

func safeURL(href string) bool {
	lower := strings.ToLower(strings.TrimSpace(href))
	return strings.HasPrefix(lower, "http://") ||
		strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "mailto:") ||
		strings.HasPrefix(lower, "tg://")
}

// renderLists flattens HTML lists into one line per item.
func renderLists(text, bullet string) string {
	text = ulRe.ReplaceAllStringFunc(text, func(match string) string {
		items := liRe.FindAllStringSubmatch(match, -1)
		result := make([]string, 0, len(items))
		for _, item := range items {
			result = append(result, bullet+strings.TrimSpace(item[1]))
		}
		return strings.Join(result, "\n") + "\n"
	})
	return olRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := olRe.FindStringSubmatch(match)
		start := 1
		if parts[1] != "" {
			start, _ = strconv.Atoi(parts[1])
		}
		items := liRe.FindAllStringSubmatch(parts[2], -1)
		result := make([]string, 0, len(items))
		for i, item := range items {
			result = append(result, strconv.Itoa(start+i)+". "+strings.TrimSpace(item[1]))
		}
		return strings.Join(result, "\n") + "\n"
	})
}
