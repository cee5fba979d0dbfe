package dishcord

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// DishCord is the bot. It owns the Discord session, the completion
// client, the user state store and the optional HTTP servers, and
// routes every command to its handler.
type DishCord struct {
	config *Config

	// db is only set when state is kept in a database
	db *gorm.DB

	// writeDB wraps db, serializing writes when using sqlite
	writeDB *database

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	store     *Store
	completer Completer
	openai    *OpenAI
	discord   *Discord
	router    *CommandRouter
	api       *API

	// Provides a webhook endpoint to use to receive Discord
	// interactions instead of the gateway
	discordWebhookServer *DiscordWebhookServer

	splitPolicy SplitPolicy

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has loaded state,
	// connected to discord and started any servers
	signalReady chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// The time Run was called
	startedAt time.Time

	// commandWG tracks in-flight commands, which are allowed to finish
	// during shutdown
	commandWG sync.WaitGroup

	// commandCtx is the context commands run with. It outlives the
	// runtime context, until the shutdown deadline.
	commandCtx context.Context

	// getInteractionHandlerFunc returns the InteractionHandler used to
	// respond to an interaction received via the gateway. Webhook
	// interactions wrap the same handler.
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	metricCommands      atomic.Int64
	metricCommandErrors atomic.Int64
	metricPanics        atomic.Int64
}

// New creates a DishCord from the given configuration. Errors from each
// component are collected and returned together.
func New(config *Config) (*DishCord, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	splitPolicy, err := ParseSplitPolicy(config.Discord.SplitPolicy)
	if err != nil {
		errs = append(errs, err)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	d := &DishCord{
		config:      config,
		signalReady: make(chan struct{}, 1),
		splitPolicy: splitPolicy,
		router:      NewCommandRouter(),
	}

	d.logger = slog.New(newLogHandler(config.LogLevel))
	slog.SetDefault(d.logger)

	if err = d.registerCommands(d.router); err != nil {
		errs = append(errs, fmt.Errorf("error registering commands: %w", err))
	}

	openaiClient, err := newOpenAI(config.OpenAI, config.HTTPClient, nil)
	if err != nil {
		errs = append(errs, err)
	}
	d.openai = openaiClient
	d.completer = openaiClient

	config.Discord.httpClient = config.HTTPClient
	disc, err := newDiscord(config.Discord, d.router)
	if err != nil {
		return nil, errors.Join(append(errs, err)...)
	}
	d.discord = disc

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	if config.API.Enabled {
		api, e := newAPI(d, config.API)
		errs = append(errs, e)
		d.api = api
	}

	if config.Discord.WebhookServer.Enabled {
		webhookServer, e := newWebhookServer(d, config.Discord.WebhookServer)
		errs = append(errs, e)
		d.discordWebhookServer = webhookServer
	}

	return d, errors.Join(errs...)
}

func (d *DishCord) ValidateConfig() error {
	return structValidator.Struct(d.config)
}

// Store returns the user state store. It's nil until Run loads state.
func (d *DishCord) Store() *Store {
	return d.store
}

// RegisterSlashCommands sends the bot's slash commands to discord
func (d *DishCord) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return d.discord.registerCommands(options...)
}

// Run loads state, connects to discord and serves commands until ctx is
// canceled or a stop signal is received. In-flight commands are given
// until Config.ShutdownTimeout to finish.
func (d *DishCord) Run(ctx context.Context) error {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	d.signalStop = make(chan struct{}, 1)
	d.startedAt = time.Now()
	logger := d.logger

	if err := d.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", d.config))

	// commands get their own context, so stopping the bot doesn't
	// abort commands already in progress. It's canceled if they don't
	// finish before the shutdown deadline.
	commandCtx, commandCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer commandCancel()
	d.commandCtx = commandCtx

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-d.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, d.config.StartupTimeout)
	defer startCancel()

	if err := d.initRun(startCtx, commandCtx); err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		d.closeDB()
		return err
	}
	startCancel()

	g, gctx := errgroup.WithContext(ctx)
	if d.api != nil {
		g.Go(
			func() error {
				return ignoreServerClosed(d.api.Serve(gctx))
			},
		)
	}
	if d.discordWebhookServer != nil {
		g.Go(
			func() error {
				return ignoreServerClosed(d.discordWebhookServer.Serve(gctx))
			},
		)
	}

	logger.InfoContext(ctx, "connecting to discord")
	if err := d.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord", tint.Err(err))
		cancel()
		return errors.Join(
			fmt.Errorf("error connecting to discord: %w", err),
			d.shutdown(ctx, commandCancel),
			g.Wait(),
		)
	}

	if d.config.Discord.RegisterCommands {
		if _, err := d.RegisterSlashCommands(); err != nil {
			logger.ErrorContext(ctx, "error registering slash commands", tint.Err(err))
		}
	}

	select {
	case d.signalReady <- struct{}{}:
		logger.InfoContext(ctx, "sent ready signal")
	default:
	}

	// block until something cancels the main runtime context - generally
	// from an interrupt, a server error, or the `/api/quit` endpoint
	<-gctx.Done()

	return errors.Join(d.shutdown(ctx, commandCancel), g.Wait())
}

func (d *DishCord) commandContext() context.Context {
	if d.commandCtx == nil {
		return context.Background()
	}
	return d.commandCtx
}

func ignoreServerClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop signals a running bot to shut down
func (d *DishCord) Stop() {
	select {
	case d.signalStop <- struct{}{}:
	default:
	}
}

// initRun sets up state and the discord session. Handlers registered on
// the session run with commandCtx.
func (d *DishCord) initRun(startCtx context.Context, commandCtx context.Context) error {
	if err := d.initState(startCtx); err != nil {
		return fmt.Errorf("error loading state: %w", err)
	}
	if err := d.initDiscordSession(commandCtx); err != nil {
		return fmt.Errorf("error creating discord session: %w", err)
	}
	return startCtx.Err()
}

// initState connects to the database, if it's the configured backend,
// and loads the Store from its Persister. A Store set ahead of time is
// used as-is. State that can't be loaded isn't fatal: the bot starts
// with an empty Store instead (see recoverState).
func (d *DishCord) initState(ctx context.Context) error {
	if d.store != nil {
		return nil
	}
	storeLogger := newNamedLogger(d.config.State.LogLevel, "store")

	var persister Persister
	switch d.config.State.Backend {
	case stateBackendDatabase:
		if err := d.initDB(ctx); err != nil {
			d.store = recoverState(ctx, nil, storeLogger, err)
			return nil
		}
		persister = NewDatabasePersister(d.writeDB)
	default:
		persister = NewJSONFilePersister(d.config.State.File)
	}

	store := NewStore(persister, storeLogger)
	if err := store.Load(ctx); err != nil {
		store = recoverState(ctx, persister, storeLogger, err)
	}
	d.store = store
	return nil
}

// recoverState returns an empty Store after loading state failed, with
// the failure counted in its PersistErrors. If the persister can move
// the unreadable state aside, the Store keeps saving through it.
// Otherwise, the Store is kept in memory only, so the first save doesn't
// overwrite state that may still be recoverable.
func recoverState(
	ctx context.Context,
	persister Persister,
	logger *slog.Logger,
	loadErr error,
) *Store {
	logger.ErrorContext(
		ctx,
		"error loading state, starting with empty state",
		tint.Err(loadErr),
	)

	if q, ok := persister.(quarantiner); ok {
		moved, err := q.Quarantine()
		if err == nil {
			logger.WarnContext(ctx, "moved unreadable state aside", "path", moved)
			store := NewStore(persister, logger)
			store.persistErrors.Add(1)
			return store
		}
		logger.ErrorContext(ctx, "error moving unreadable state aside", tint.Err(err))
	}

	logger.WarnContext(ctx, "state will be kept in memory only")
	store := NewStore(nil, logger)
	store.persistErrors.Add(1)
	return store
}

func (d *DishCord) initDB(ctx context.Context) error {
	if d.db == nil {
		db, err := CreateDB(
			ctx,
			d.config.DatabaseType,
			d.config.Database,
			newLogHandler(d.config.DatabaseLogLevel),
			d.config.DatabaseSlowThreshold,
		)
		if err != nil {
			return fmt.Errorf("error opening database: %w", err)
		}
		d.db = db
	}
	d.writeDB = newDatabase(
		d.db,
		d.logger,
		d.config.DatabaseType == dbTypePostgres,
	)
	if d.openai != nil {
		d.openai.db = d.writeDB
	}
	return nil
}

func (d *DishCord) closeDB() {
	if d.db == nil {
		return
	}
	sqlDB, err := d.db.DB()
	if err != nil {
		return
	}
	if err = sqlDB.Close(); err != nil {
		d.logger.Error("error closing database", tint.Err(err))
	}
}

func (d *DishCord) initDiscordSession(ctx context.Context) error {
	logger := d.logger.With(loggerNameKey, "discord_session")

	if d.discord.session == nil {
		disc, discErr := d.discord.newSession()
		if discErr != nil {
			return discErr
		}
		d.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	for _, h := range d.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	d.discord.session.SetIdentify(
		discordgo.Identify{
			Intents: d.config.Discord.GatewayIntents,
			Presence: discordgo.GatewayStatusUpdate{
				Status: string(discordgo.StatusOnline),
			},
		},
	)

	d.discord.discordgoRemoveHandlerFuncs = []func(){
		d.discord.session.AddHandler(d.discord.handlerConnect()),
		d.discord.session.AddHandler(d.discord.handlerDisconnect()),
		d.discord.session.AddHandler(d.discord.handlerReady()),
		d.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				i *discordgo.InteractionCreate,
			) {
				handler := d.getInteractionHandlerFunc(ctx, i)
				d.commandWG.Add(1)
				go func() {
					defer d.commandWG.Done()
					d.handleInteraction(ctx, handler)
				}()
			},
		),
		d.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				m *discordgo.MessageCreate,
			) {
				d.commandWG.Add(1)
				go func() {
					defer d.commandWG.Done()
					d.handleDiscordMessage(ctx, m)
				}()
			},
		),
	}

	if d.getInteractionHandlerFunc == nil {
		d.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     d.discord.session,
				interaction: i,
				logger: d.discord.logger.With(
					slog.Group(
						"interaction",
						interactionLogAttrs(*i)...,
					),
				),
			}
		}
	}
	return nil
}

// handleInteraction logs an interaction, then dispatches it if it's a
// slash command. Webhook interactions are acknowledged right away, and
// the command runs in the background, since the HTTP response is the
// acknowledgement.
func (d *DishCord) handleInteraction(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	ctx = WithLogger(ctx, logger)

	u := getDiscordUser(i)
	d.logInteraction(ctx, i, u, handler)

	switch i.Type {
	case discordgo.InteractionPing:
		_ = handler.Respond(
			ctx,
			&discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong},
		)
		return
	case discordgo.InteractionApplicationCommand:
		//
	case discordgo.InteractionApplicationCommandAutocomplete:
		// no options are autocompleted, so there's never anything to suggest
		_ = handler.Respond(
			ctx,
			&discordgo.InteractionResponse{
				Type: discordgo.InteractionApplicationCommandAutocompleteResult,
				Data: &discordgo.InteractionResponseData{
					Choices: []*discordgo.ApplicationCommandOptionChoice{},
				},
			},
		)
		return
	default:
		logger.WarnContext(ctx, "unhandled interaction type")
		_ = handler.Respond(
			ctx,
			&discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Content: msgUnsupported,
					Flags:   discordgo.MessageFlagsEphemeral,
				},
			},
		)
		return
	}

	if u == nil {
		logger.WarnContext(ctx, "no user found for interaction")
		return
	}

	req := CommandRequest{
		Name:      i.ApplicationCommandData().Name,
		UserID:    u.ID,
		Username:  u.Username,
		ChannelID: i.ChannelID,
		GuildID:   i.GuildID,
		Options:   interactionOptions(i),
		Method:    handler.InteractionReceiveMethod(),
	}
	responder := newInteractionResponder(handler)

	if handler.InteractionReceiveMethod() != discordInteractionReceiveMethodWebhook {
		d.dispatch(ctx, req, responder)
		return
	}

	if err := responder.Defer(ctx); err != nil {
		logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(err))
		return
	}
	d.commandWG.Add(1)
	go func() {
		defer d.commandWG.Done()
		d.dispatch(ctx, req, responder)
	}()
}

// logInteraction saves an InteractionLog, if a database is configured
func (d *DishCord) logInteraction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	u *discordgo.User,
	handler InteractionHandler,
) {
	if d.writeDB == nil {
		return
	}
	logger := contextLoggerOr(ctx, d.logger)
	interactionLog, err := newInteractionLog(i, u, handler)
	if err != nil {
		logger.ErrorContext(ctx, "error creating interaction log", tint.Err(err))
		return
	}
	if _, err = d.writeDB.Create(ctx, interactionLog); err != nil {
		logger.ErrorContext(ctx, "error saving interaction log", tint.Err(err))
	}
}

// handleDiscordMessage runs text commands: messages starting with the
// configured command prefix. Messages from bots, and prefixed messages
// that don't name a known command, are ignored.
func (d *DishCord) handleDiscordMessage(ctx context.Context, m *discordgo.MessageCreate) {
	prefix := d.config.Discord.CommandPrefix
	if prefix == "" || m.Author == nil || m.Author.Bot {
		return
	}
	name, options, ok, err := d.router.ParseText(prefix, m.Content)
	if !ok {
		return
	}
	logger := contextLoggerOr(ctx, d.logger).With(slog.Group("message", messageLogAttrs(m)...))
	if err != nil {
		logger.DebugContext(ctx, "ignoring text command", "command", name, tint.Err(err))
		return
	}

	req := CommandRequest{
		Name:      name,
		UserID:    m.Author.ID,
		Username:  m.Author.Username,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		Options:   options,
		Method:    discordInteractionReceiveMethodGateway,
	}
	d.dispatch(WithLogger(ctx, logger), req, newMessageResponder(d.discord.session, m.Message))
}

// dispatch runs a command's handler, and reports any error it returns
// to the user. A panicking handler is recovered and logged, and the
// user gets the generic error message.
func (d *DishCord) dispatch(ctx context.Context, req CommandRequest, r Responder) {
	logger := contextLoggerOr(ctx, d.logger).With(
		"command", req.Name,
		columnUserID, req.UserID,
		"method", req.Method,
	)
	ctx = WithLogger(ctx, logger)
	d.metricCommands.Add(1)

	defer func() {
		if rc := recover(); rc != nil {
			d.metricPanics.Add(1)
			handleRecover(ctx, rc)
			if err := r.Send(ctx, d.config.Discord.ErrorMessage); err != nil {
				logger.ErrorContext(ctx, "error sending error message", tint.Err(err))
			}
		}
	}()

	cmd, ok := d.router.Lookup(req.Name)
	if !ok {
		logger.WarnContext(ctx, "unknown command")
		if err := r.Send(ctx, fmt.Sprintf("Unknown command `%s`.", req.Name)); err != nil {
			logger.ErrorContext(ctx, "error sending reply", tint.Err(err))
		}
		return
	}

	if cmd.Deferred {
		if err := r.Defer(ctx); err != nil {
			logger.WarnContext(ctx, "error deferring response", tint.Err(err))
		}
	}

	started := time.Now()
	err := cmd.Handler(ctx, req, r)
	if err == nil {
		logger.InfoContext(ctx, "command finished", "elapsed", time.Since(started))
		return
	}

	d.metricCommandErrors.Add(1)
	if isUserError(err) {
		logger.InfoContext(ctx, "command rejected", tint.Err(err))
	} else {
		logger.ErrorContext(ctx, "command failed", tint.Err(err))
	}
	if sendErr := r.Send(ctx, d.userErrorMessage(err)); sendErr != nil {
		logger.ErrorContext(ctx, "error sending error message", tint.Err(sendErr))
	}
}

// shutdown stops accepting new commands, then waits for in-flight
// commands until the shutdown deadline. Commands still running at the
// deadline have their context canceled.
func (d *DishCord) shutdown(ctx context.Context, cancelCommands context.CancelFunc) error {
	logger := d.logger
	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(d.config.ShutdownTimeout)
	logger.WarnContext(
		ctx,
		"shutting down",
		"shutdown_timeout", d.config.ShutdownTimeout,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	if d.discord.session != nil {
		logger.InfoContext(ctx, "closing discord session")
		if err := d.discord.session.Close(); err != nil {
			logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
		}
		for _, h := range d.discord.discordgoRemoveHandlerFuncs {
			h()
		}
		d.discord.discordgoRemoveHandlerFuncs = nil
	}

	stopWG := &sync.WaitGroup{}
	if d.api != nil && d.api.httpServer != nil {
		stopWG.Add(1)
		go func() {
			defer stopWG.Done()
			logger.InfoContext(ctx, "stopping api server")
			_ = d.api.httpServer.Shutdown(closeCtx)
		}()
	}
	if d.discordWebhookServer != nil {
		stopWG.Add(1)
		go func() {
			defer stopWG.Done()
			logger.InfoContext(ctx, "stopping webhook server")
			_ = d.discordWebhookServer.httpServer.Shutdown(closeCtx)
		}()
	}

	finished := make(chan struct{}, 1)
	go func() {
		stopWG.Wait()
		d.commandWG.Wait()
		finished <- struct{}{}
	}()

	defer d.closeDB()

	select {
	case <-finished:
		logger.InfoContext(
			ctx,
			"shutdown complete",
			"shutdown_duration", time.Since(shutdownStart),
			"commands", d.metricCommands.Load(),
			"command_errors", d.metricCommandErrors.Load(),
		)
		return nil
	case <-closeCtx.Done():
		logger.WarnContext(ctx, "commands did not finish in time, canceling")
		cancelCommands()
		if d.api != nil && d.api.httpServer != nil {
			_ = d.api.httpServer.Close()
		}
		if d.discordWebhookServer != nil {
			_ = d.discordWebhookServer.httpServer.Close()
		}
		return errors.New("in-flight commands did not finish before the shutdown deadline")
	}
}
