package cmd

import (
	"context"
	"fmt"
	"github.com/arcward/dishcord/dishcord"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = dishcord.DefaultConfig()
	configFile string
)

// logLevelKeys are the config keys holding a *slog.LevelVar
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"state.log_level",
	"openai.log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"discord.webhook_server.log_level",
	"api.log_level",
}

var rootCmd = &cobra.Command{
	Use:   "dishcord [flags]",
	Short: "A Discord bot for recipes, meal plans and cooking questions",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					mapstructure.StringToSliceHookFunc(" "),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names ('DEBUG', 'info', ...) into
// *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	// initConfig runs for every Execute, so overrides from a previous
	// run are dropped first
	viper.Reset()

	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("unable to load env file %q: %v", configFile, err)
		}
	}

	viper.SetDefault("database", dishcord.DefaultDatabase)
	viper.SetDefault("database_type", dishcord.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		dishcord.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		dishcord.DefaultDatabaseLogLevel.String(),
	)
	viper.SetDefault("development", false)
	viper.SetDefault("log_level", dishcord.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", dishcord.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", dishcord.DefaultShutdownTimeout)

	// User state
	viper.SetDefault("state.backend", dishcord.DefaultStateBackend)
	viper.SetDefault("state.file", dishcord.DefaultStateFile)
	viper.SetDefault("state.log_level", dishcord.DefaultStoreLogLevel.String())

	// OpenAI config
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.base_url", "")
	viper.SetDefault("openai.model", dishcord.DefaultOpenAIModel)
	viper.SetDefault("openai.system_prompt", dishcord.DefaultOpenAISystemPrompt)
	viper.SetDefault(
		"openai.max_requests_per_second",
		dishcord.DefaultOpenAIMaxRequestsPerSecond,
	)
	viper.SetDefault("openai.request_timeout", dishcord.DefaultOpenAIRequestTimeout)
	viper.SetDefault("openai.cache_size", dishcord.DefaultOpenAICacheSize)
	viper.SetDefault("openai.log_level", dishcord.DefaultOpenAILogLevel.String())

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.command_prefix", dishcord.DefaultDiscordCommandPrefix)
	viper.SetDefault("discord.split_policy", dishcord.DefaultDiscordSplitPolicy)
	viper.SetDefault("discord.error_message", dishcord.DefaultDiscordErrorMessage)
	viper.SetDefault("discord.custom_status", dishcord.DefaultDiscordCustomStatus)
	viper.SetDefault(
		"discord.register_commands",
		dishcord.DefaultDiscordRegisterCommands,
	)
	viper.SetDefault(
		"discord.log_level",
		dishcord.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		dishcord.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		dishcord.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.startup_message", dishcord.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.notification_channel_id", "")

	// Discord: Webhook server
	viper.SetDefault("discord.webhook_server.enabled", false)
	viper.SetDefault(
		"discord.webhook_server.listen",
		dishcord.DefaultDiscordWebhookServerListen,
	)
	viper.SetDefault("discord.webhook_server.listen_network", "tcp")
	viper.SetDefault("discord.webhook_server.public_key", "")
	viper.SetDefault(
		"discord.webhook_server.read_timeout",
		dishcord.DefaultReadTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.read_header_timeout",
		dishcord.DefaultReadHeaderTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.write_timeout",
		dishcord.DefaultWriteTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.idle_timeout",
		dishcord.DefaultIdleTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.log_level",
		dishcord.DefaultDiscordWebhookLogLevel.String(),
	)
	viper.SetDefault(
		"discord.webhook_server.ssl.tls_min_version",
		dishcord.DefaultDiscordWebhookServerTLSminVersion,
	)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// Discord: Webhook server: SSL
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.cert_file"))
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.key_file"))

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", dishcord.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.secret_hash", "")
	viper.SetDefault("api.log_level", dishcord.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", dishcord.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		dishcord.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", dishcord.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", dishcord.DefaultIdleTimeout)
	viper.SetDefault("api.ssl.tls_min_version", dishcord.DefaultAPITLSMinVersion)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert_file"))
	fatalErr(viper.BindEnv("api.ssl.key_file"))

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		dishcord.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		dishcord.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		dishcord.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", dishcord.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		dishcord.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(dishcord.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = dishcord.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	for _, k := range []string{
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
	} {
		viper.Set(k, viper.GetStringSlice(k))
	}

	for _, k := range logLevelKeys {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(k))
		if err != nil {
			log.Fatalf("error parsing %s: %v", k, err)
		}
		viper.Set(k, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load configuration from",
	)
}
