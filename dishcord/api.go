package dishcord

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"strings"
	"time"
)

const (
	pprofPrefix                = "/debug"
	apiPrefix                  = "/api"
	apiHealthCheck             = "/api/healthcheck"
	apiPathQuit                = "/quit"
	apiPathUsers               = "/users"
	apiPathUserPreferences     = "/users/:id/preferences"
	apiPathUserFavorites       = "/users/:id/favorites"
	apiPathUserFavorite        = "/users/:id/favorites/:title"
	apiPathRegisterCommands    = "/discord/register_commands"
	apiPathOpenAIRateLimit     = "/openai/rate_limit"
	xRequestIDHeader           = "X-Request-ID"
	authorizationBearerPrefix  = "Bearer "
	apiAuthRequestsPerSecond   = 5
	apiAuthRequestBurst        = 10
	apiQuitSignalTimeout       = 5 * time.Second
	apiErrorStateNotLoaded     = "state not loaded"
	apiErrorUnauthorized       = "unauthorized"
	apiErrorTooManyAuthRequest = "too many requests"
)

var structValidator = validator.New()

// API is the admin HTTP API. Every endpoint other than the healthcheck
// requires the configured bearer secret.
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger

	// authLimiter throttles authentication attempts, since verifying a
	// hashed secret is expensive
	authLimiter *rate.Limiter

	handlers *APIHandlers
}

// newAPI sets up the gin engine, middleware and routes for the admin API.
func newAPI(d *DishCord, config *APIConfig) (*API, error) {
	r := gin.New()
	api := &API{
		config:      config,
		engine:      r,
		logger:      newNamedLogger(config.LogLevel, "api"),
		authLimiter: rate.NewLimiter(rate.Limit(apiAuthRequestsPerSecond), apiAuthRequestBurst),
		handlers:    &APIHandlers{d: d},
	}

	httpServer := &http.Server{
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.Enabled() {
		tlsCfg, e := tlsConfig(config.SSL)
		if e != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", e)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	if config.Secret == "" && config.SecretHash == "" {
		api.logger.Warn("no API secret set, all authenticated requests will be rejected")
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowCredentials = false
	}

	if d.config.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		cors.New(corsConfig),
	)

	r.GET(apiHealthCheck, api.handlers.healthCheck)

	if d.config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(api))

	protected.GET(apiPathUsers, api.handlers.getUsers)
	protected.GET(apiPathUserPreferences, api.handlers.getUserPreferences)
	protected.DELETE(apiPathUserPreferences, api.handlers.clearUserPreferences)
	protected.GET(apiPathUserFavorites, api.handlers.getUserFavorites)
	protected.DELETE(apiPathUserFavorite, api.handlers.removeUserFavorite)
	protected.POST(apiPathRegisterCommands, api.handlers.discordRegisterCommands)
	protected.GET(apiPathOpenAIRateLimit, api.handlers.getOpenAIRateLimit)
	protected.PUT(apiPathOpenAIRateLimit, api.handlers.setOpenAIRateLimit)
	protected.POST(apiPathQuit, api.handlers.botQuit)

	return api, nil
}

// Serve listens on the configured address, unless a listener has already
// been set, and serves until the server is shut down.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "api listening", "addr", a.listener.Addr().String())
	if a.httpServer.TLSConfig == nil {
		return a.httpServer.Serve(a.listener)
	}
	return a.httpServer.ServeTLS(a.listener, "", "")
}

// APIHandlers holds the handlers for each admin API endpoint
type APIHandlers struct {
	d *DishCord
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool          `json:"discord_gateway_connected"`
	Uptime                  time.Duration `json:"uptime"`
	Version                 string        `json:"version"`
	Commands                int64         `json:"commands"`
	CommandErrors           int64         `json:"command_errors"`
	Panics                  int64         `json:"panics"`
	PersistErrors           int64         `json:"persist_errors"`
}

type httpReply struct {
	Message string `json:"message"`
}

// httpError is an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

type userPreferencesResponse struct {
	UserID      string      `json:"user_id"`
	Preferences Preferences `json:"preferences"`
}

type userFavoritesQuery struct {
	Tag string `form:"tag" binding:"omitempty,max=50"`
}

// openAIRateLimit is the body of the openai rate limit endpoints
type openAIRateLimit struct {
	MaxRequestsPerSecond float64 `json:"max_requests_per_second" binding:"required,gt=0"`
}

type userFavoritesResponse struct {
	UserID    string     `json:"user_id"`
	Favorites []Favorite `json:"favorites"`
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	d := h.d
	rv := healthCheckResponse{
		Version:       Version,
		Commands:      d.metricCommands.Load(),
		CommandErrors: d.metricCommandErrors.Load(),
		Panics:        d.metricPanics.Load(),
	}
	if d.discord != nil {
		rv.DiscordGatewayConnected = d.discord.connected.Load()
	}
	if !d.startedAt.IsZero() {
		rv.Uptime = time.Since(d.startedAt)
	}
	if store := d.Store(); store != nil {
		rv.PersistErrors = store.PersistErrors()
	}
	c.JSON(http.StatusOK, rv)
}

// store returns the bot's Store, or replies with HTTP 503 and returns
// nil if state hasn't been loaded yet
func (h *APIHandlers) store(c *gin.Context) *Store {
	store := h.d.Store()
	if store == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, httpError{Error: apiErrorStateNotLoaded})
	}
	return store
}

func (h *APIHandlers) getUsers(c *gin.Context) {
	store := h.store(c)
	if store == nil {
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": store.Users()})
}

func (h *APIHandlers) getUserPreferences(c *gin.Context) {
	store := h.store(c)
	if store == nil {
		return
	}
	userID := c.Param("id")
	prefs, ok := store.GetPreferences(userID)
	if !ok {
		c.JSON(http.StatusNotFound, httpError{Error: "no preferences set"})
		return
	}
	c.JSON(http.StatusOK, userPreferencesResponse{UserID: userID, Preferences: prefs})
}

func (h *APIHandlers) clearUserPreferences(c *gin.Context) {
	store := h.store(c)
	if store == nil {
		return
	}
	userID := c.Param("id")
	if !store.ClearPreferences(c, userID) {
		c.JSON(http.StatusNotFound, httpError{Error: "no preferences set"})
		return
	}
	ginContextLogger(c).InfoContext(c, "cleared preferences", columnUserID, userID)
	ginReplyMessage(c, "preferences cleared")
}

// getUserFavorites returns the user's favorites, optionally filtered
// by the `tag` query parameter
func (h *APIHandlers) getUserFavorites(c *gin.Context) {
	store := h.store(c)
	if store == nil {
		return
	}

	var query userFavoritesQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	userID := c.Param("id")
	var favs []Favorite
	if tag := strings.TrimSpace(query.Tag); tag != "" {
		favs = store.FavoritesWithTag(userID, tag)
	} else {
		favs = store.ListFavorites(userID)
	}
	if favs == nil {
		favs = []Favorite{}
	}
	c.JSON(http.StatusOK, userFavoritesResponse{UserID: userID, Favorites: favs})
}

func (h *APIHandlers) removeUserFavorite(c *gin.Context) {
	store := h.store(c)
	if store == nil {
		return
	}
	userID := c.Param("id")
	title := c.Param("title")
	err := store.RemoveFavorite(c, userID, title)
	switch {
	case errors.Is(err, ErrFavoriteNotFound):
		c.JSON(http.StatusNotFound, httpError{Error: "favorite not found"})
	case err != nil:
		ginContextLogger(c).ErrorContext(c, "error removing favorite", tint.Err(err))
		ginReplyError(c, "error removing favorite")
	default:
		ginContextLogger(c).InfoContext(
			c,
			"removed favorite",
			columnUserID, userID,
			"title", title,
		)
		ginReplyMessage(c, "favorite removed")
	}
}

// discordRegisterCommands overwrites the bot's slash commands
func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	logger := ginContextLogger(c)
	if h.d.discord == nil || h.d.discord.session == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "discord session not initialized"})
		return
	}
	created, err := h.d.RegisterSlashCommands()
	if err != nil {
		logger.ErrorContext(c, "error registering commands", tint.Err(err))
		ginReplyError(c, "error registering commands")
		return
	}
	names := make([]string, 0, len(created))
	for _, cmd := range created {
		names = append(names, cmd.Name)
	}
	c.JSON(http.StatusOK, gin.H{"commands": names})
}

func (h *APIHandlers) getOpenAIRateLimit(c *gin.Context) {
	if h.d.openai == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "openai client not initialized"})
		return
	}
	c.JSON(
		http.StatusOK,
		openAIRateLimit{MaxRequestsPerSecond: h.d.openai.MaxRequestsPerSecond()},
	)
}

// setOpenAIRateLimit updates the completion request rate limit. The
// change isn't persisted, so a restart reverts to
// `openai.max_requests_per_second`.
func (h *APIHandlers) setOpenAIRateLimit(c *gin.Context) {
	if h.d.openai == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "openai client not initialized"})
		return
	}
	var req openAIRateLimit
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	previous := h.d.openai.MaxRequestsPerSecond()
	h.d.openai.SetMaxRequestsPerSecond(req.MaxRequestsPerSecond)
	ginContextLogger(c).InfoContext(
		c,
		"updated openai rate limit",
		"previous", previous,
		"max_requests_per_second", req.MaxRequestsPerSecond,
	)
	c.JSON(http.StatusOK, req)
}

// botQuit sends the stop signal. The bot shuts down after the response
// is written.
func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Warn("sending stop signal")

	ctx, cancel := context.WithTimeout(c, apiQuitSignalTimeout)
	defer cancel()

	doneCh := make(chan struct{}, 1)
	go func() {
		h.d.Stop()
		doneCh <- struct{}{}
	}()
	select {
	case <-doneCh:
		ginReplyMessage(c, "quitting")
	case <-ctx.Done():
		log.Warn("timeout sending stop signal")
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
	}
}

// authMiddleware requires an `Authorization: Bearer <secret>` header
// matching APIConfig.Secret, or verifying against APIConfig.SecretHash.
// If neither is configured, every request is rejected.
func authMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)

		if !a.authLimiter.Allow() {
			logger.WarnContext(c, "auth rate limit exceeded")
			c.AbortWithStatusJSON(
				http.StatusTooManyRequests,
				httpError{Error: apiErrorTooManyAuthRequest},
			)
			return
		}

		header := c.GetHeader("Authorization")
		token, found := strings.CutPrefix(header, authorizationBearerPrefix)
		if !found || token == "" {
			logger.WarnContext(c, "missing bearer token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: apiErrorUnauthorized})
			return
		}

		if !a.validSecret(token) {
			logger.WarnContext(c, "invalid bearer token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: apiErrorUnauthorized})
			return
		}
		c.Next()
	}
}

func (a *API) validSecret(token string) bool {
	switch {
	case a.config.Secret != "":
		return subtle.ConstantTimeCompare([]byte(token), []byte(a.config.Secret)) == 1
	case a.config.SecretHash != "":
		ok, err := VerifyPassword(a.config.SecretHash, token)
		if err != nil {
			a.logger.Error("error verifying secret hash", tint.Err(err))
			return false
		}
		return ok
	default:
		return false
	}
}

// requestIDMiddleware assigns a unique request ID to each incoming request,
// and sets it in the response headers.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	return setGinContextLogger(c, slog.Default())
}

func setGinContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware sets a request logger derived from logger in the
// gin context, and logs each request once it's finished.
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := setGinContextLogger(c, logger)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		msg := fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(msg, "duration", latency, tint.Err(errors.Join(errs...)), response)
			return
		}
		requestLogger.Info(msg, "duration", latency, response)
	}
}

func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterTagNameFunc(
		func(fld reflect.StructField) string {
			name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		},
	)
	structValidator.RegisterStructValidation(validateSSLConfig, SSLConfig{})
}
