package dishcord

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"io"
	"log/slog"
	"net"
	"net/http"
)

const apiDiscordInteractions = "/api/discord/interactions"

// DiscordWebhookServer receives interactions over HTTP, as an alternative
// to receiving them over the gateway
type DiscordWebhookServer struct {
	config     DiscordWebhookServerConfig
	httpServer *http.Server
	engine     *gin.Engine
	logger     *slog.Logger
	listener   net.Listener
}

func (d *DiscordWebhookServer) Serve(_ context.Context) error {
	if d.listener == nil {
		ln, err := net.Listen(d.config.ListenNetwork, d.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", d.config.Listen, err)
		}
		d.listener = ln
	}
	if d.httpServer.TLSConfig == nil {
		d.logger.Warn("starting server without TLS")
		return d.httpServer.Serve(d.listener)
	}
	return d.httpServer.ServeTLS(d.listener, "", "")
}

// newWebhookServer creates and returns a new [DiscordWebhookServer], and/or
// any errors that occurred during creation.
func newWebhookServer(
	d *DishCord,
	config DiscordWebhookServerConfig,
) (*DiscordWebhookServer, error) {
	r := gin.New()
	srv := &DiscordWebhookServer{
		config: config,
		engine: r,
		logger: newNamedLogger(config.LogLevel, "discord_webhook"),
	}

	httpServer := &http.Server{
		Handler:           r,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	if config.SSL.Enabled() {
		tlsCfg, e := tlsConfig(config.SSL)
		if e != nil {
			return nil, fmt.Errorf("error loading webhook SSL certs: %w", e)
		}
		httpServer.TLSConfig = tlsCfg
	}
	srv.httpServer = httpServer

	if d.config.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(srv.logger),
		discordRequestAuthenticationMiddleware(d.discord.publicKey),
	)

	r.POST(apiDiscordInteractions, webhookReceiveHandler(d))
	return srv, nil
}

// WebhookHandler is a handler for Discord interactions received via webhook.
// The initial response is written as the HTTP response. Edits and
// followups go through the REST API, like the gateway handler.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll  // can't split link
type WebhookHandler struct {
	ginContext *gin.Context
	InteractionHandler
}

func (WebhookHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodWebhook
}

func (w WebhookHandler) Respond(
	_ context.Context,
	response *discordgo.InteractionResponse,
) error {
	w.ginContext.JSON(http.StatusOK, response)
	return nil
}

// webhookReceiveHandler returns a [gin.HandlerFunc] for handling Discord
// webhook interactions. Commands run with the bot's command context,
// not the request's.
func webhookReceiveHandler(d *DishCord) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID, _ := c.Get(xRequestIDHeader)
		logger := ginContextLogger(c).With(
			slog.Group(
				"webhook_request",
				"remote_ip", c.RemoteIP(),
				xRequestIDHeader, requestID,
			),
		)

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			logger.ErrorContext(c, "error getting raw data", tint.Err(err))
			c.JSON(http.StatusInternalServerError, httpError{Error: "error getting raw data"})
			return
		}

		var interaction discordgo.InteractionCreate
		if e := json.Unmarshal(body, &interaction); e != nil {
			logger.ErrorContext(c, "error unmarshalling body", tint.Err(e))
			c.JSON(http.StatusBadRequest, httpError{Error: "error unmarshalling body"})
			return
		}

		ctx := WithLogger(d.commandContext(), logger)
		handler := WebhookHandler{
			ginContext:         c,
			InteractionHandler: d.getInteractionHandlerFunc(ctx, &interaction),
		}
		d.handleInteraction(ctx, handler)
	}
}

// discordRequestAuthenticationMiddleware is a middleware for verifying Discord
// webhook requests.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll // can't split link
func discordRequestAuthenticationMiddleware(publicKey ed25519.PublicKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !verifyRequest(c.Request, publicKey) {
			ginContextLogger(c).WarnContext(c, "invalid signature")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "invalid signature"})
			return
		}
		c.Next()
	}
}

// verifyRequest verifies the authenticity of a Discord webhook request.
//
// This function checks the request's signature and timestamp headers to validate
// the request. It reads the request body and verifies the signature using
// the provided public key. The body is restored, so it can be read again.
func verifyRequest(r *http.Request, key ed25519.PublicKey) bool {
	if len(key) != ed25519.PublicKeySize {
		return false
	}

	signature := r.Header.Get("X-Signature-Ed25519")
	if signature == "" {
		return false
	}

	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	if len(sig) != ed25519.SignatureSize || sig[63]&224 != 0 {
		return false
	}

	timestamp := r.Header.Get("X-Signature-Timestamp")
	if timestamp == "" {
		return false
	}

	var msg bytes.Buffer
	msg.WriteString(timestamp)

	defer func() {
		_ = r.Body.Close()
	}()
	var body bytes.Buffer

	defer func() {
		r.Body = io.NopCloser(&body)
	}()

	_, err = io.Copy(&msg, io.TeeReader(r.Body, &body))
	if err != nil {
		return false
	}

	return ed25519.Verify(key, msg.Bytes(), sig)
}
