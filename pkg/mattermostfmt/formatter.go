// Copyright 2024-2026 Aiku AI

// Package mattermostfmt converts Mattermost markdown to Matrix HTML.
package mattermostfmt

import (
	"html"
	"regexp"
	"strconv"
	"strings"
)

var (
	boldRe       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicRe     = regexp.MustCompile(`(^|[^\w*])_([^_]+?)_($|[^\w*])`)
	strikeRe     = regexp.MustCompile(`~~(.+?)~~`)
	codeRe       = regexp.MustCompile("`([^`]+)`")
	codeBlockRe  = regexp.MustCompile("(?s)```(\\w+)?\\n?(.*?)```")
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	headingRe    = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)
	ulRe         = regexp.MustCompile(`(?m)^[-*]\s+(.+)$`)
	olRe         = regexp.MustCompile(`(?m)^\d+\.\s+(.+)$`)
	blockquoteRe = regexp.MustCompile(`(?m)^>\s+(.+)$`)
)

// codeBlock holds extracted code block data.
type codeBlock struct {
	lang    string
	content string
}

// HasFormatting reports whether text uses any markdown syntax ToHTML renders.
func HasFormatting(text string) bool {
	return boldRe.MatchString(text) ||
		italicRe.MatchString(text) ||
		strikeRe.MatchString(text) ||
		codeRe.MatchString(text) ||
		codeBlockRe.MatchString(text) ||
		linkRe.MatchString(text) ||
		headingRe.MatchString(text) ||
		blockquoteRe.MatchString(text) ||
		ulRe.MatchString(text) ||
		olRe.MatchString(text)
}

// ToHTML renders a Mattermost markdown message as Matrix HTML. It returns
// an empty string for messages without formatting, which are sent as plain
// text.
func ToHTML(text string) string {
	if text == "" || !HasFormatting(text) {
		return ""
	}

	// NUL delimits the code block placeholders.
	text = strings.ReplaceAll(text, "\x00", "")
	processed, blocks := extractCodeBlocks(text)
	formatted := renderBlocks(processed)
	formatted = renderInline(formatted)

	formatted = strings.ReplaceAll(formatted, "\n\n", "</p><p>")
	formatted = strings.ReplaceAll(formatted, "\n", "<br/>")
	if strings.Contains(formatted, "</p><p>") {
		formatted = "<p>" + formatted + "</p>"
	}
	// Code blocks go back last so their newlines survive.
	return restoreCodeBlocks(formatted, blocks)
}

// extractCodeBlocks swaps fenced code blocks for placeholders so their
// contents are not touched by the other rules.
func extractCodeBlocks(text string) (string, []codeBlock) {
	var blocks []codeBlock
	processed := codeBlockRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := codeBlockRe.FindStringSubmatch(match)
		idx := len(blocks)
		blocks = append(blocks, codeBlock{lang: parts[1], content: parts[2]})
		return placeholder(idx)
	})
	return processed, blocks
}

func restoreCodeBlocks(formatted string, blocks []codeBlock) string {
	for i, cb := range blocks {
		escaped := html.EscapeString(cb.content)
		var replacement string
		if cb.lang != "" {
			replacement = `<pre><code class="language-` + html.EscapeString(cb.lang) + `">` + escaped + `</code></pre>`
		} else {
			replacement = `<pre><code>` + escaped + `</code></pre>`
		}
		formatted = strings.Replace(formatted, placeholder(i), replacement, 1)
	}
	return formatted
}

func placeholder(idx int) string {
	return "\x00CODEBLOCK" + strconv.Itoa(idx) + "\x00"
}

// renderBlocks handles line-level structure: quotes, headings and lists.
// Text is escaped here, before inline markup is added.
func renderBlocks(text string) string {
	lines := strings.Split(text, "\n")
	result := make([]string, 0, len(lines))
	var listType string
	var listItems []string

	flushList := func() {
		if len(listItems) == 0 {
			return
		}
		result = append(result, "<"+listType+">"+strings.Join(listItems, "")+"</"+listType+">")
		listItems = nil
		listType = ""
	}
	addItem := func(kind, item string) {
		if listType != kind {
			flushList()
			listType = kind
		}
		listItems = append(listItems, "<li>"+html.EscapeString(item)+"</li>")
	}

	for _, line := range lines {
		if m := blockquoteRe.FindStringSubmatch(line); m != nil {
			flushList()
			result = append(result, "<blockquote>"+html.EscapeString(m[1])+"</blockquote>")
			continue
		}
		if m := headingRe.FindStringSubmatch(line); m != nil {
			flushList()
			lvl := strconv.Itoa(len(m[1]))
			result = append(result, "<h"+lvl+">"+html.EscapeString(m[2])+"</h"+lvl+">")
			continue
		}
		if m := ulRe.FindStringSubmatch(line); m != nil {
			addItem("ul", m[1])
			continue
		}
		if m := olRe.FindStringSubmatch(line); m != nil {
			addItem("ol", m[1])
			continue
		}
		flushList()
		result = append(result, html.EscapeString(line))
	}
	flushList()
	return strings.Join(result, "\n")
}

func renderInline(formatted string) string {
	formatted = codeRe.ReplaceAllString(formatted, "<code>$1</code>")
	formatted = boldRe.ReplaceAllString(formatted, "<strong>$1</strong>")
	formatted = italicRe.ReplaceAllString(formatted, "$1<em>$2</em>$3")
	formatted = strikeRe.ReplaceAllString(formatted, "<del>$1</del>")

	// Only safe URL schemes become links.
	return linkRe.ReplaceAllStringFunc(formatted, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		text, href := parts[1], parts[2]
		lower := strings.ToLower(strings.TrimSpace(href))
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "mailto:") {
			return `<a href="` + href + `">` + text + `</a>`
		}
		return text
	})
}
