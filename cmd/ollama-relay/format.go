// ABOUTME: Text helpers for Matrix messages: commands, mentions, replies and Markdown.
// ABOUTME: Pure functions so the routing rules can be tested without a homeserver.

package main

import (
	"bytes"
	"slices"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// isResetCommand reports whether body is exactly one of the reset commands,
// ignoring case.
func isResetCommand(body string, commands []string) bool {
	body = strings.TrimSpace(body)
	if body == "" {
		return false
	}
	return slices.ContainsFunc(commands, func(cmd string) bool {
		return strings.EqualFold(body, strings.TrimSpace(cmd))
	})
}

// replyTarget returns the event a message replies to, or "".
func replyTarget(content *event.MessageEventContent) string {
	if content.RelatesTo == nil || content.RelatesTo.InReplyTo == nil {
		return ""
	}
	return content.RelatesTo.InReplyTo.EventID.String()
}

// isMentioned checks the intentional mentions block first, then falls back to
// the full user ID or the localpart appearing in the body.
func isMentioned(content *event.MessageEventContent, userID id.UserID) bool {
	if content.Mentions != nil && slices.Contains(content.Mentions.UserIDs, userID) {
		return true
	}

	body := strings.ToLower(content.Body)
	if strings.Contains(body, strings.ToLower(userID.String())) {
		return true
	}
	localpart := strings.ToLower(userID.Localpart())
	return localpart != "" && strings.Contains(body, localpart)
}

// stripMention removes a leading address such as "llama: " or
// "@llama:example.org, " from body.
func stripMention(body string, userID id.UserID) string {
	lower := strings.ToLower(body)
	for _, name := range []string{userID.String(), userID.Localpart()} {
		name = strings.ToLower(name)
		if name == "" || !strings.HasPrefix(lower, name) {
			continue
		}
		rest := body[len(name):]
		rest = strings.TrimLeft(rest, ":, ")
		return strings.TrimSpace(rest)
	}
	return body
}

// renderMarkdown converts text to HTML. ok is false when rendering fails or
// the result carries no markup beyond a single paragraph.
func renderMarkdown(text string) (string, bool) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return "", false
	}

	rendered := strings.TrimSpace(buf.String())
	inner, found := strings.CutPrefix(rendered, "<p>")
	if found {
		inner, found = strings.CutSuffix(inner, "</p>")
		if found && !strings.ContainsAny(inner, "<&") {
			return "", false
		}
	}
	return rendered, true
}
