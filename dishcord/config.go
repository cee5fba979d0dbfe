//nolint:lll // struct tags can't be split
package dishcord

import (
	"crypto/tls"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
	openai "github.com/sashabaranov/go-openai"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix                = "DISHCORD_ENV_PREFIX"
	DefaultEnvPrefix                  = "DC"
	DefaultStateBackend               = stateBackendJSON
	DefaultStateFile                  = "dishcord.json"
	DefaultDatabaseType               = "sqlite"
	DefaultDatabase                   = "dishcord.sqlite3"
	DefaultLogLevel                   = slog.LevelInfo
	DefaultStartupTimeout             = 30 * time.Second
	DefaultShutdownTimeout            = 60 * time.Second
	DefaultOpenAIModel                = openai.GPT4oMini
	DefaultOpenAISystemPrompt         = "You are a helpful assistant."
	DefaultOpenAIMaxRequestsPerSecond = 1
	DefaultOpenAICacheSize            = 0
	DefaultOpenAIRequestTimeout       = 2 * time.Minute

	DefaultReadTimeout                       = 5 * time.Second
	DefaultReadHeaderTimeout                 = 5 * time.Second
	DefaultWriteTimeout                      = 10 * time.Second
	DefaultIdleTimeout                       = 30 * time.Second
	DefaultDiscordWebhookServerListen        = "127.0.0.1:5001"
	DefaultDiscordWebhookServerTLSminVersion = tls.VersionTLS12
	DefaultDiscordGatewayIntent              = discordgo.IntentsAllWithoutPrivileged | discordgo.IntentMessageContent
	DefaultDiscordCommandPrefix              = "!"
	DefaultDiscordSplitPolicy                = "boundaries"
	DefaultDiscordRegisterCommands           = true

	DefaultDiscordWebhookLogLevel  = slog.LevelInfo
	DefaultDiscordLogLevel         = slog.LevelWarn
	DefaultDiscordErrorMessage     = "Sorry, something went wrong!"
	DefaultDiscordCustomStatus     = "/recipe to get cooking!"
	DefaultDiscordStartupMessage   = "I'm here!"
	DiscordMaxMessageLength        = 2000
	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultAPITLSMinVersion        = tls.VersionTLS12
	DefaultDatabaseSlowThreshold   = 200 * time.Millisecond
	DefaultDatabaseLogLevel        = slog.LevelInfo
	DefaultDiscordgoLogLevel       = slog.LevelWarn
	DefaultOpenAILogLevel          = slog.LevelInfo
	DefaultAPILogLevel             = slog.LevelInfo
	DefaultStoreLogLevel           = slog.LevelInfo
	defaultListenNetwork           = "tcp"
	DefaultAPICORSAllowCredentials = true

	stateBackendJSON     = "json"
	stateBackendDatabase = "database"
)

type DiscordInteractionReceiveMethod string

var (
	discordInteractionReceiveMethodGateway DiscordInteractionReceiveMethod = "gateway"
	discordInteractionReceiveMethodWebhook DiscordInteractionReceiveMethod = "webhook"
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		"Accept-Encoding",
		xRequestIDHeader,
		"Location",
		"ETag",
		"Last-Modified",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string, or path to a SQLite file
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// State configures where user preferences and favorites are kept
	State *StateConfig `yaml:"state" mapstructure:"state" json:"state"`

	// OpenAI holds the configuration for the chat completion API
	OpenAI *OpenAIConfig `yaml:"openai" mapstructure:"openai" json:"openai"`

	// API configures the admin API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// load state and connect. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for in-flight commands to finish.
	// After this elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// Development enables gin debug mode and pprof endpoints
	Development bool `yaml:"development" mapstructure:"development" json:"development"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// StateConfig selects the Persister backing the Store.
type StateConfig struct {
	// Backend is 'json' (a single file, rewritten after every change) or
	// 'database' (the configured Database)
	Backend string `yaml:"backend" mapstructure:"backend" json:"backend" binding:"oneof=json database"`

	// File is the path of the JSON state file, when Backend is 'json'
	File string `yaml:"file" mapstructure:"file" json:"file" binding:"required_if=Backend json"`

	// LogLevel for the store logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// Required when receiving webhook events rather than websockets
	WebhookServer DiscordWebhookServerConfig `yaml:"webhook_server" mapstructure:"webhook_server" json:"webhook_server"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// CommandPrefix is the prefix for text commands (ex: '!recipe eggs').
	// Leave empty to disable text commands.
	CommandPrefix string `yaml:"command_prefix" mapstructure:"command_prefix" json:"command_prefix"`

	// SplitPolicy is how long responses are split across messages:
	// 'boundaries' (line and sentence breaks) or 'fixed'
	SplitPolicy string `yaml:"split_policy" mapstructure:"split_policy" json:"split_policy" binding:"oneof=boundaries fixed"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// ErrorMessage is sent to the user when a command fails unexpectedly
	ErrorMessage string `yaml:"error_message" mapstructure:"error_message" json:"error_message" binding:"required"`

	// If NotificationChannelID is set, the bot will send StartupMessage to
	// that channel whenever it connects to the discord gateway.
	StartupMessage        string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	// CustomStatus is set as the bot's status after connecting
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// RegisterCommands overwrites the bot's slash commands at startup
	RegisterCommands bool `yaml:"register_commands" mapstructure:"register_commands" json:"register_commands"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// DiscordWebhookServerConfig represents the configuration for the Discord webhook server.
//
// This struct defines the settings required to run a server that handles Discord
// webhook interactions. It includes options for enabling the server, specifying
// network details, SSL configuration, logging, and various timeouts.
type DiscordWebhookServerConfig struct {
	// Determines if the webhook server should be active.
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5001").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Configuration for SSL/TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The public key used for verifying Discord interaction POST requests.
	// In the Discord dev portal for your bot, this is under 'General Information'
	PublicKey string `yaml:"public_key" mapstructure:"public_key" json:"public_key" binding:"required_if=Enabled true"`

	// The logging level for the webhook server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// OpenAIConfig configures the chat completion API
type OpenAIConfig struct {
	// OpenAI API token
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// BaseURL overrides the API base URL (for compatible, self-hosted APIs)
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"omitempty,url"`

	// Model used for chat completions
	Model string `yaml:"model" mapstructure:"model" json:"model" binding:"required"`

	// SystemPrompt is sent ahead of every user prompt
	SystemPrompt string `yaml:"system_prompt" mapstructure:"system_prompt" json:"system_prompt"`

	// MaxRequestsPerSecond limits outgoing completion requests
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"gt=0"`

	// RequestTimeout bounds a single completion request. 0=no timeout
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout" binding:"min=0"`

	// CacheSize is the number of completions memoized by exact prompt.
	// 0 disables the cache.
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size" json:"cache_size" binding:"min=0"`

	// OpenAI base log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// APIConfig configures the admin API server
type APIConfig struct {
	// Enabled starts the admin API
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Secret is the bearer token required by the API. Either this or
	// SecretHash must be set for the API to accept requests.
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// SecretHash is an argon2id hash of the bearer token, as printed by
	// `dishcord init`
	SecretHash string `yaml:"secret_hash" mapstructure:"secret_hash" json:"secret_hash" log:"[redacted]"`

	// Configuration for SSL/TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// SSLConfig specifies cert paths and the TLS version to use.
// If CertFile and KeyFile are empty, the server listens without TLS.
type SSLConfig struct {
	// Path to an SSL certificate
	CertFile string `yaml:"cert_file" mapstructure:"cert_file" json:"cert_file"`

	// Path to an SSL cert key
	KeyFile string `yaml:"key_file" mapstructure:"key_file" json:"key_file"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

func (s SSLConfig) Enabled() bool {
	return s.CertFile != "" && s.KeyFile != ""
}

func validateSSLConfig(sl validator.StructLevel) {
	value, ok := sl.Current().Interface().(SSLConfig)
	if !ok {
		return
	}
	if value.CertFile != "" && value.KeyFile == "" {
		sl.ReportError(value.KeyFile, "KeyFile", "key_file", "required_with", "CertFile")
	}
	if value.KeyFile != "" && value.CertFile == "" {
		sl.ReportError(value.CertFile, "CertFile", "cert_file", "required_with", "KeyFile")
	}
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	openaiLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}
	storeLogLevel := &slog.LevelVar{}
	discordWebhookLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	openaiLogLevel.Set(DefaultOpenAILogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)
	storeLogLevel.Set(DefaultStoreLogLevel)
	discordWebhookLogLevel.Set(DefaultDiscordWebhookLogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		State: &StateConfig{
			Backend:  DefaultStateBackend,
			File:     DefaultStateFile,
			LogLevel: storeLogLevel,
		},
		OpenAI: &OpenAIConfig{
			Model:                DefaultOpenAIModel,
			SystemPrompt:         DefaultOpenAISystemPrompt,
			MaxRequestsPerSecond: DefaultOpenAIMaxRequestsPerSecond,
			RequestTimeout:       DefaultOpenAIRequestTimeout,
			CacheSize:            DefaultOpenAICacheSize,
			LogLevel:             openaiLogLevel,
		},
		Discord: &DiscordConfig{
			WebhookServer: DiscordWebhookServerConfig{
				Enabled:       false,
				Listen:        DefaultDiscordWebhookServerListen,
				ListenNetwork: defaultListenNetwork,
				SSL: SSLConfig{
					TLSMinVersion: DefaultDiscordWebhookServerTLSminVersion,
				},
				LogLevel:          discordWebhookLogLevel,
				ReadHeaderTimeout: DefaultReadHeaderTimeout,
				ReadTimeout:       DefaultReadTimeout,
				WriteTimeout:      DefaultWriteTimeout,
				IdleTimeout:       DefaultIdleTimeout,
			},
			CommandPrefix:     DefaultDiscordCommandPrefix,
			RegisterCommands:  DefaultDiscordRegisterCommands,
			SplitPolicy:       DefaultDiscordSplitPolicy,
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			ErrorMessage:      DefaultDiscordErrorMessage,
			StartupMessage:    DefaultDiscordStartupMessage,
			CustomStatus:      DefaultDiscordCustomStatus,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}
