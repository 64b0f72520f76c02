// Copyright 2024-2026 Aiku AI

package relay

import (
	"bytes"
	"html"
	"regexp"
	"strings"
	"text/template"
	"unicode/utf8"
)

// TranslateOptions controls body conversion for one target side.
type TranslateOptions struct {
	// MaxLength is the target's body limit in runes. Zero means unlimited.
	MaxLength int
	// SenderPrefix, when set, is rendered in front of every relayed body.
	SenderPrefix *template.Template
}

// SenderPrefixParams holds the parameters for rendering the sender prefix.
type SenderPrefixParams struct {
	SenderID string
	Side     string
}

var (
	mxReplyRe   = regexp.MustCompile(`(?s)<mx-reply>.*?</mx-reply>`)
	htmlTagRe   = regexp.MustCompile(`<[^>]+>`)
	htmlBreakRe = regexp.MustCompile(`<br\s*/?>`)
)

const ellipsis = "…"

// Translate converts an inbound body into the body and HTML to send to the
// opposite side.
func Translate(msg InboundMessage, opts TranslateOptions) (body, formatted string, err error) {
	if !utf8.ValidString(msg.Body) || !utf8.ValidString(msg.HTML) {
		return "", "", &TranslationError{Reason: "body is not valid UTF-8"}
	}

	body = msg.Body
	formatted = msg.HTML
	if msg.Source == SideA {
		body = stripReplyFallback(body)
		formatted = mxReplyRe.ReplaceAllString(formatted, "")
	}
	body = strings.TrimSpace(body)
	formatted = strings.TrimSpace(formatted)
	if body == "" {
		return "", "", &TranslationError{Reason: "empty body"}
	}
	if formatted != "" && !hasFormatting(formatted) {
		formatted = ""
	}

	if opts.SenderPrefix != nil {
		var buf bytes.Buffer
		if err := opts.SenderPrefix.Execute(&buf, SenderPrefixParams{
			SenderID: msg.SenderID,
			Side:     msg.Source.String(),
		}); err != nil {
			return "", "", &TranslationError{Reason: "render sender prefix: " + err.Error()}
		}
		prefix := buf.String()
		body = prefix + body
		if formatted != "" {
			formatted = html.EscapeString(prefix) + formatted
		}
	}

	if opts.MaxLength > 0 && utf8.RuneCountInString(body) > opts.MaxLength {
		body = truncateRunes(body, opts.MaxLength)
		// Markup can't be cut safely; fall back to the plain body.
		formatted = ""
	}
	if opts.MaxLength > 0 && utf8.RuneCountInString(formatted) > opts.MaxLength {
		formatted = ""
	}
	return body, formatted, nil
}

// stripReplyFallback removes the "> <@user> quoted" lines Matrix clients
// prepend to replies.
func stripReplyFallback(body string) string {
	if !strings.HasPrefix(body, "> ") {
		return body
	}
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], ">") {
		i++
	}
	if i < len(lines) && lines[i] == "" {
		return strings.Join(lines[i+1:], "\n")
	}
	return body
}

// hasFormatting reports whether formatted contains markup other than line breaks.
func hasFormatting(formatted string) bool {
	return htmlTagRe.MatchString(htmlBreakRe.ReplaceAllString(formatted, ""))
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	if limit <= 1 {
		return ellipsis
	}
	n := 0
	for i := range s {
		if n == limit-1 {
			return s[:i] + ellipsis
		}
		n++
	}
	return s
}
