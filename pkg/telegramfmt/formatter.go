// Copyright 2024-2026 Aiku AI

// Package telegramfmt converts Telegram message entities to Matrix HTML.
package telegramfmt

import (
	"html"
	"sort"
	"strings"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// span is an entity converted to rune-independent UTF-16 bounds.
type span struct {
	start, end int
	open       string
	close      string
	// verbatim spans render their text without nested markup.
	verbatim bool
}

// ToHTML renders text with its entities as Matrix HTML. Entity offsets are
// in UTF-16 code units, as sent by the Bot API. It returns an empty string
// when no entity produces markup.
func ToHTML(text string, entities []tgbotapi.MessageEntity) string {
	spans := make([]span, 0, len(entities))
	for _, e := range entities {
		if e.Length <= 0 {
			continue
		}
		sp, ok := toSpan(e, text)
		if !ok {
			continue
		}
		spans = append(spans, sp)
	}
	if len(spans) == 0 {
		return ""
	}
	// Outer entities first: same start, longer span opens first.
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].end > spans[j].end
	})

	var sb strings.Builder
	var stack []span
	next := 0
	pos := 0
	verbatimDepth := 0

	closeUntil := func(pos int) {
		for len(stack) > 0 && stack[len(stack)-1].end <= pos {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if top.verbatim {
				verbatimDepth--
			}
			if top.close != "" && verbatimDepth == 0 {
				sb.WriteString(top.close)
			}
		}
	}

	for _, r := range text {
		closeUntil(pos)
		for next < len(spans) && spans[next].start <= pos {
			sp := spans[next]
			next++
			if sp.end <= pos {
				continue
			}
			// Entities may nest but never partially overlap; clamp anyway so
			// the output stays well formed.
			if len(stack) > 0 && sp.end > stack[len(stack)-1].end {
				sp.end = stack[len(stack)-1].end
			}
			if verbatimDepth == 0 {
				sb.WriteString(sp.open)
			}
			if sp.verbatim {
				verbatimDepth++
			}
			stack = append(stack, sp)
		}
		sb.WriteString(html.EscapeString(string(r)))
		pos += utf16Len(r)
	}
	closeUntil(int(^uint(0) >> 1))

	return sb.String()
}

func toSpan(e tgbotapi.MessageEntity, text string) (span, bool) {
	sp := span{start: e.Offset, end: e.Offset + e.Length}
	switch e.Type {
	case "bold":
		sp.open, sp.close = "<strong>", "</strong>"
	case "italic":
		sp.open, sp.close = "<em>", "</em>"
	case "underline":
		sp.open, sp.close = "<u>", "</u>"
	case "strikethrough":
		sp.open, sp.close = "<del>", "</del>"
	case "spoiler":
		sp.open, sp.close = "<span data-mx-spoiler>", "</span>"
	case "blockquote", "expandable_blockquote":
		sp.open, sp.close = "<blockquote>", "</blockquote>"
	case "code":
		sp.open, sp.close = "<code>", "</code>"
		sp.verbatim = true
	case "pre":
		if e.Language != "" {
			sp.open = `<pre><code class="language-` + html.EscapeString(e.Language) + `">`
		} else {
			sp.open = "<pre><code>"
		}
		sp.close = "</code></pre>"
		sp.verbatim = true
	case "text_link":
		if e.URL == "" {
			return span{}, false
		}
		sp.open, sp.close = `<a href="`+html.EscapeString(e.URL)+`">`, "</a>"
	case "url":
		url := substringUTF16(text, sp.start, sp.end)
		if !strings.Contains(url, "://") {
			url = "https://" + url
		}
		sp.open, sp.close = `<a href="`+html.EscapeString(url)+`">`, "</a>"
	default:
		// mention, hashtag, bot_command and friends have no Matrix markup.
		return span{}, false
	}
	return sp, true
}

func utf16Len(r rune) int {
	if n := utf16.RuneLen(r); n > 0 {
		return n
	}
	return 1
}

// substringUTF16 returns the part of s between UTF-16 offsets start and end.
func substringUTF16(s string, start, end int) string {
	units := utf16.Encode([]rune(s))
	if start < 0 {
		start = 0
	}
	if end > len(units) {
		end = len(units)
	}
	if start >= end {
		return ""
	}
	return string(utf16.Decode(units[start:end]))
}
