// ABOUTME: Matrix side of ollama-relay: login, sync, inbound routing and reply delivery.
// ABOUTME: Implements the relay Messenger on top of a mautrix client.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/ollama-relay/internal/config"
	"github.com/2389/ollama-relay/internal/conversation"
	"github.com/2389/ollama-relay/internal/dedupe"
	"github.com/2389/ollama-relay/internal/relay"
)

// typingTimeout is how long the homeserver shows the indicator without a refresh.
const typingTimeout = 30 * time.Second

// networkTimeout bounds Matrix API calls made outside an exchange.
const networkTimeout = 10 * time.Second

// failureReply is sent when an exchange fails for any reason other than an
// unknown reply target.
const failureReply = "Sorry, I could not get a response from the model. Please try again later."

// Relayer is what the bridge needs from the relay service.
type Relayer interface {
	HandleMessage(ctx context.Context, req relay.Request) ([]string, error)
	ResetConversation(channelID string) int
}

// Bridge connects Matrix rooms to the relay.
type Bridge struct {
	config  *config.Config
	matrix  *mautrix.Client
	seen    *dedupe.Cache
	relay   Relayer
	logger  *slog.Logger
	started time.Time

	// ctx is the parent context for message processing goroutines
	ctx    context.Context
	cancel context.CancelFunc
}

// NewBridge creates a bridge. The client is not logged in yet.
func NewBridge(cfg *config.Config, seen *dedupe.Cache, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client, err := mautrix.NewClient(cfg.Matrix.Homeserver, id.UserID(cfg.Matrix.UserID), cfg.Matrix.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	return &Bridge{
		config:  cfg,
		matrix:  client,
		seen:    seen,
		logger:  logger.With("component", "matrix"),
		started: time.Now(),
	}, nil
}

// Login authenticates with the password when no access token is configured,
// then resolves the device ID the crypto store needs.
func (b *Bridge) Login(ctx context.Context) error {
	if b.config.Matrix.AccessToken == "" {
		resp, err := b.matrix.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: b.config.Matrix.Username,
			},
			Password:                 b.config.Matrix.Password,
			InitialDeviceDisplayName: "ollama-relay",
			StoreCredentials:         true,
		})
		if err != nil {
			return fmt.Errorf("password login: %w", err)
		}
		b.logger.Info("logged in", "user_id", resp.UserID.String(), "device_id", resp.DeviceID.String())
		return nil
	}

	whoami, err := b.matrix.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("checking access token: %w", err)
	}
	b.matrix.UserID = whoami.UserID
	b.matrix.DeviceID = whoami.DeviceID
	b.logger.Info("using access token", "user_id", whoami.UserID.String(), "device_id", whoami.DeviceID.String())
	return nil
}

// UserID returns the logged in user.
func (b *Bridge) UserID() string {
	return b.matrix.UserID.String()
}

// Run syncs until ctx is cancelled, handing messages to r.
func (b *Bridge) Run(ctx context.Context, r Relayer) error {
	b.relay = r
	b.ctx, b.cancel = context.WithCancel(ctx)
	defer b.cancel()

	syncer, ok := b.matrix.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", b.matrix.Syncer)
	}
	syncer.OnEventType(event.EventMessage, b.handleMessageEvent)
	syncer.OnEventType(event.StateMember, b.handleMemberEvent)

	b.logger.Info("connecting to matrix homeserver", "homeserver", b.config.Matrix.Homeserver)

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- b.matrix.SyncWithContext(b.ctx)
	}()

	select {
	case <-ctx.Done():
		b.logger.Info("shutting down matrix bridge")
		b.cancel()
		return nil
	case err := <-syncErr:
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

// inboundKind says what to do with a message event.
type inboundKind int

const (
	inboundIgnore inboundKind = iota
	inboundReset
	inboundRelay
)

// route decides what an event means for the relay without side effects
// other than marking its ID as seen.
func (b *Bridge) route(evt *event.Event) (inboundKind, relay.Request) {
	var req relay.Request

	if evt.Sender == b.matrix.UserID {
		return inboundIgnore, req
	}
	if evt.Timestamp > 0 && time.UnixMilli(evt.Timestamp).Before(b.started) {
		return inboundIgnore, req
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return inboundIgnore, req
	}
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return inboundIgnore, req
	}

	roomID := evt.RoomID.String()
	if !b.isRoomAllowed(roomID) {
		b.logger.Debug("ignoring message from non-allowed room", "room", roomID)
		return inboundIgnore, req
	}

	if b.seen != nil && b.seen.CheckAndMark(evt.ID.String()) {
		b.logger.Debug("dropping duplicate event", "event_id", evt.ID.String())
		return inboundIgnore, req
	}

	content.RemoveReplyFallback()
	body := strings.TrimSpace(content.Body)

	if isResetCommand(body, b.config.Bridge.ResetCommands) {
		return inboundReset, relay.Request{ChannelID: roomID, MessageID: evt.ID.String(), Sender: evt.Sender.String()}
	}

	replyTo := replyTarget(content)
	if replyTo == "" && b.config.Bridge.RequireMention {
		if !isMentioned(content, b.matrix.UserID) {
			return inboundIgnore, req
		}
		body = stripMention(body, b.matrix.UserID)
	}
	if body == "" {
		return inboundIgnore, req
	}

	return inboundRelay, relay.Request{
		ChannelID: roomID,
		MessageID: evt.ID.String(),
		Sender:    evt.Sender.String(),
		Content:   body,
		ReplyTo:   replyTo,
	}
}

// handleMessageEvent processes incoming Matrix messages.
func (b *Bridge) handleMessageEvent(ctx context.Context, evt *event.Event) {
	kind, req := b.route(evt)
	switch kind {
	case inboundReset:
		n := b.relay.ResetConversation(req.ChannelID)
		b.reply(req.ChannelID, req.MessageID, fmt.Sprintf("Cleared conversation of %d messages.", n))
	case inboundRelay:
		b.logger.Info("received message",
			"room", req.ChannelID,
			"sender", req.Sender,
			"content", truncate(req.Content, 50),
		)
		// Process in a goroutine to not block sync
		go b.processMessage(b.ctx, req)
	}
}

// handleMemberEvent joins rooms the bot is invited to, when they are allowed.
func (b *Bridge) handleMemberEvent(ctx context.Context, evt *event.Event) {
	content, ok := evt.Content.Parsed.(*event.MemberEventContent)
	if !ok || content.Membership != event.MembershipInvite {
		return
	}
	if evt.StateKey == nil || id.UserID(*evt.StateKey) != b.matrix.UserID {
		return
	}
	if !b.isRoomAllowed(evt.RoomID.String()) {
		b.logger.Info("ignoring invite to non-allowed room", "room", evt.RoomID.String(), "inviter", evt.Sender.String())
		return
	}

	joinCtx, cancel := context.WithTimeout(b.ctx, networkTimeout)
	defer cancel()
	if _, err := b.matrix.JoinRoomByID(joinCtx, evt.RoomID); err != nil {
		b.logger.Warn("failed to join room", "room", evt.RoomID.String(), "error", err)
		return
	}
	b.logger.Info("joined room", "room", evt.RoomID.String(), "inviter", evt.Sender.String())
}

// processMessage runs the exchange and reports failures to the room.
func (b *Bridge) processMessage(ctx context.Context, req relay.Request) {
	_, err := b.relay.HandleMessage(ctx, req)
	switch {
	case err == nil:
	case errors.Is(err, conversation.ErrUnknownReplyTarget):
		b.logger.Debug("ignoring reply to unknown message", "room", req.ChannelID, "reply_to", req.ReplyTo)
	case errors.Is(err, relay.ErrEmptyMessage):
	case ctx.Err() != nil:
		b.logger.Debug("exchange abandoned during shutdown", "room", req.ChannelID)
	default:
		b.logger.Error("exchange failed", "room", req.ChannelID, "sender", req.Sender, "error", err)
		b.reply(req.ChannelID, req.MessageID, failureReply)
	}
}

// reply sends a notice outside of an exchange, logging failures.
func (b *Bridge) reply(channelID, inReplyTo, text string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(b.ctx), networkTimeout)
	defer cancel()
	if _, err := b.SendReply(ctx, channelID, text, inReplyTo); err != nil {
		b.logger.Error("failed to send message", "room", channelID, "error", err)
	}
}

// SendReply posts text as a reply and returns the new event ID.
func (b *Bridge) SendReply(ctx context.Context, channelID, text, inReplyTo string) (string, error) {
	content := b.buildContent(text, inReplyTo)
	resp, err := b.matrix.SendMessageEvent(ctx, id.RoomID(channelID), event.EventMessage, content)
	if err != nil {
		return "", fmt.Errorf("sending to %s: %w", channelID, err)
	}
	return resp.EventID.String(), nil
}

// SetTyping shows or clears the typing indicator.
func (b *Bridge) SetTyping(ctx context.Context, channelID string, typing bool) error {
	var timeout time.Duration
	if typing {
		timeout = typingTimeout
	}
	_, err := b.matrix.UserTyping(ctx, id.RoomID(channelID), typing, timeout)
	return err
}

func (b *Bridge) buildContent(text, inReplyTo string) *event.MessageEventContent {
	msgType := event.MsgText
	if b.config.Bridge.Notice {
		msgType = event.MsgNotice
	}

	content := &event.MessageEventContent{
		MsgType:  msgType,
		Body:     text,
		Mentions: &event.Mentions{},
	}
	if b.config.Bridge.RenderMarkdown {
		if html, ok := renderMarkdown(text); ok {
			content.Format = event.FormatHTML
			content.FormattedBody = html
		}
	}
	if inReplyTo != "" {
		content.RelatesTo = &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: id.EventID(inReplyTo)},
		}
	}
	return content
}

// isRoomAllowed checks if the room is in the allowed list.
// An empty allowed list means all rooms are allowed.
func (b *Bridge) isRoomAllowed(roomID string) bool {
	if len(b.config.Bridge.AllowedRooms) == 0 {
		return true
	}
	return slices.Contains(b.config.Bridge.AllowedRooms, roomID)
}

// truncate shortens a string to maxLen runes for logging.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
