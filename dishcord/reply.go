package dishcord

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"strings"
	"sync"
)

// Responder sends a command's output back to wherever the command came
// from. Each Send is a single message of at most DiscordMaxMessageLength
// characters.
type Responder interface {
	// Defer acknowledges the command before a slow operation, so the
	// user sees the bot is working on it
	Defer(ctx context.Context) error

	// Send sends a single message
	Send(ctx context.Context, content string) error
}

// interactionResponder replies to a slash command. The first message
// becomes the interaction response (or replaces the deferred
// "thinking..." response), and later messages are sent as followups.
type interactionResponder struct {
	handler  InteractionHandler
	mu       sync.Mutex
	deferred bool
	replied  bool
}

func newInteractionResponder(handler InteractionHandler) *interactionResponder {
	return &interactionResponder{handler: handler}
}

func (r *interactionResponder) Defer(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deferred || r.replied {
		return nil
	}
	if err := r.handler.Respond(ctx, ackResponse()); err != nil {
		return err
	}
	r.deferred = true
	return nil
}

func (r *interactionResponder) Send(ctx context.Context, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.replied:
		_, err := r.handler.FollowUp(ctx, &discordgo.WebhookParams{Content: content})
		return err
	case r.deferred:
		if _, err := r.handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content}); err != nil {
			return err
		}
	default:
		err := r.handler.Respond(
			ctx,
			&discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{Content: content},
			},
		)
		if err != nil {
			return err
		}
	}
	r.replied = true
	return nil
}

// messageResponder replies to a text command. The first message is
// sent as a reply to the command message, the rest as plain messages
// in the same channel.
type messageResponder struct {
	session DiscordSessionHandler
	message *discordgo.Message
	mu      sync.Mutex
	replied bool
}

func newMessageResponder(session DiscordSessionHandler, m *discordgo.Message) *messageResponder {
	return &messageResponder{session: session, message: m}
}

func (r *messageResponder) Defer(_ context.Context) error {
	return r.session.ChannelTyping(r.message.ChannelID)
}

func (r *messageResponder) Send(_ context.Context, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.replied {
		_, err := r.session.ChannelMessageSend(r.message.ChannelID, content)
		return err
	}
	_, err := r.session.ChannelMessageSendReply(
		r.message.ChannelID,
		content,
		r.message.Reference(),
	)
	if err != nil {
		return err
	}
	r.replied = true
	return nil
}

// deliver splits text into chunks that fit in a single message and
// sends them in order. Chunks that are only whitespace are skipped,
// since discord rejects empty messages. Stops at the first failed send.
func deliver(
	ctx context.Context,
	r Responder,
	text string,
	limit int,
	policy SplitPolicy,
) (sent int, err error) {
	for chunk := range Chunks(text, limit, policy) {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		if err = r.Send(ctx, chunk); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}
