package dishcord

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
)

// InteractionLog records each interaction received, before it's handled
//
//nolint:lll // struct tags can't be split
type InteractionLog struct {
	ModelUintID
	Method        DiscordInteractionReceiveMethod `json:"method" gorm:"type:string"` // webhook or gateway
	InteractionID string                          `json:"interaction_id" gorm:"not null"`
	Type          string                          `json:"type" gorm:"type:string"`
	CommandName   string                          `json:"command_name" gorm:"type:string"`
	UserID        string                          `json:"user_id" gorm:"index;not null"`
	Username      string                          `json:"username" gorm:"type:string"`
	AppID         string                          `json:"application_id" gorm:"type:string"`
	GuildID       string                          `json:"guild_id" gorm:"type:string"`
	ChannelID     string                          `json:"channel_id" gorm:"type:string"`
	Context       string                          `json:"context" gorm:"type:string"`
	Payload       string                          `json:"payload" gorm:"type:string"`
	CreatedAt     int64                           `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func (InteractionLog) TableName() string {
	return "interaction_log"
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
	handler InteractionHandler,
) (*InteractionLog, error) {
	p, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("error marshaling interaction: %w", err)
	}

	interactionLog := &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		AppID:         i.AppID,
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Context:       i.Context.String(),
		Payload:       string(p),
		Method:        handler.InteractionReceiveMethod(),
	}
	if u != nil {
		interactionLog.UserID = u.ID
		interactionLog.Username = u.String()
	}
	if i.Type == discordgo.InteractionApplicationCommand {
		interactionLog.CommandName = i.ApplicationCommandData().Name
	}
	return interactionLog, nil
}

// InteractionHandler abstracts how an interaction was received, and how
// responses are returned to it. Interactions received via the gateway
// are answered over REST, while webhook interactions get their initial
// response in the HTTP response body.
type InteractionHandler interface {
	// Respond sends the initial response to the interaction.
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// Edit modifies the initial (or deferred) response.
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// FollowUp sends an additional message after the initial response.
	FollowUp(
		ctx context.Context,
		params *discordgo.WebhookParams,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// InteractionReceiveMethod returns the method used to receive the
	// interaction (webhook or gateway).
	InteractionReceiveMethod() DiscordInteractionReceiveMethod

	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] when receiving interactions
// via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func (GatewayHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodGateway
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(w.interaction.Interaction, response)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "responded to interaction")
	}
	return err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return editInteraction(ctx, w.session, w.interaction, w.logger, wh, opts...)
}

func (w GatewayHandler) FollowUp(
	ctx context.Context,
	params *discordgo.WebhookParams,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return followUpInteraction(ctx, w.session, w.interaction, w.logger, params, opts...)
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}

func editInteraction(
	ctx context.Context,
	session DiscordSessionHandler,
	i *discordgo.InteractionCreate,
	logger *slog.Logger,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := session.InteractionResponseEdit(i.Interaction, wh, opts...)
	if err != nil {
		logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	} else {
		logger.InfoContext(ctx, "edited interaction")
	}
	return msg, err
}

func followUpInteraction(
	ctx context.Context,
	session DiscordSessionHandler,
	i *discordgo.InteractionCreate,
	logger *slog.Logger,
	params *discordgo.WebhookParams,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := session.FollowupMessageCreate(i.Interaction, true, params, opts...)
	if err != nil {
		logger.ErrorContext(ctx, "error sending followup message", tint.Err(err))
	} else {
		logger.InfoContext(ctx, "sent followup message")
	}
	return msg, err
}
