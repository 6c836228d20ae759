package main

import (
	"html"
	"html/template"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	// Names carry no markup at all.
	namePolicy = bluemonday.StrictPolicy()

	// Message bodies keep light formatting and safe links.
	messagePolicy = bluemonday.UGCPolicy().
			AllowElements("b", "i", "em", "strong", "u", "s", "del", "code", "pre", "br").
			AllowURLSchemes("http", "https", "mailto").
			RequireNoFollowOnLinks(true)
)

const maxNameLen = 24

// sanitizeName strips markup from an identity for display.
func sanitizeName(name string) string {
	s := strings.TrimSpace(namePolicy.Sanitize(html.UnescapeString(name)))
	if r := []rune(s); len(r) > maxNameLen {
		s = string(r[:maxNameLen])
	}
	return s
}

// sanitizeMessage renders a message body as safe HTML.
func sanitizeMessage(body string) template.HTML {
	if body == "" {
		return ""
	}
	return template.HTML(strings.TrimSpace(messagePolicy.Sanitize(html.UnescapeString(body))))
}
