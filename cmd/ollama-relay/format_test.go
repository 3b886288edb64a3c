// ABOUTME: Tests for the Matrix text helpers.
// ABOUTME: Covers reset detection, mentions, mention stripping and Markdown rendering.

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func TestIsResetCommand(t *testing.T) {
	commands := []string{"!reset", "!clear"}

	assert.True(t, isResetCommand("!reset", commands))
	assert.True(t, isResetCommand(" !Clear\n", commands))
	assert.False(t, isResetCommand("!resetting", commands))
	assert.False(t, isResetCommand("", commands))
	assert.False(t, isResetCommand("!reset", nil))
}

func TestReplyTarget(t *testing.T) {
	assert.Empty(t, replyTarget(&event.MessageEventContent{Body: "hi"}))
	assert.Empty(t, replyTarget(&event.MessageEventContent{RelatesTo: &event.RelatesTo{Type: event.RelThread, EventID: "$root"}}))
	assert.Equal(t, "$target", replyTarget(&event.MessageEventContent{
		RelatesTo: &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: "$target"}},
	}))
}

func TestIsMentioned(t *testing.T) {
	user := id.UserID("@llama:example.org")

	tests := []struct {
		name    string
		content *event.MessageEventContent
		want    bool
	}{
		{"mentions block", &event.MessageEventContent{Body: "hey", Mentions: &event.Mentions{UserIDs: []id.UserID{user}}}, true},
		{"other user in mentions block", &event.MessageEventContent{Body: "hey", Mentions: &event.Mentions{UserIDs: []id.UserID{"@bob:example.org"}}}, false},
		{"full user ID in body", &event.MessageEventContent{Body: "ping @llama:example.org"}, true},
		{"localpart in body", &event.MessageEventContent{Body: "LLAMA: hi"}, true},
		{"no mention", &event.MessageEventContent{Body: "hello there"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isMentioned(tt.content, user))
		})
	}
}

func TestStripMention(t *testing.T) {
	user := id.UserID("@llama:example.org")

	assert.Equal(t, "hi", stripMention("@llama:example.org: hi", user))
	assert.Equal(t, "hi", stripMention("llama, hi", user))
	assert.Equal(t, "hi", stripMention("Llama: hi", user))
	assert.Equal(t, "ask llama: hi", stripMention("ask llama: hi", user), "only a leading address is removed")
	assert.Equal(t, "", stripMention("llama:", user))
}

func TestRenderMarkdown(t *testing.T) {
	_, ok := renderMarkdown("just words")
	assert.False(t, ok, "plain paragraphs need no formatted body")

	html, ok := renderMarkdown("# Title\n\n- one\n- two")
	assert.True(t, ok)
	assert.Contains(t, html, "<h1>Title</h1>")
	assert.Contains(t, html, "<li>one</li>")

	html, ok = renderMarkdown("```go\nfmt.Println(1)\n```")
	assert.True(t, ok)
	assert.Contains(t, html, "<code")

	html, ok = renderMarkdown("~~gone~~")
	assert.True(t, ok)
	assert.Contains(t, html, "<del>gone</del>")
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "llama_example.org", slugify("@llama:example.org"))
	assert.Equal(t, "ab_c", slugify("@a/b:c"))
}
