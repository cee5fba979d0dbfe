package dishcord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// slogTestLevel returns the log level used for loggers created in tests.
// Set DISHCORD_TEST_LOG_LEVEL=DEBUG to see everything.
func slogTestLevel() slog.Leveler {
	level := &slog.LevelVar{}
	level.Set(slog.LevelWarn)
	if v := os.Getenv("DISHCORD_TEST_LOG_LEVEL"); v != "" {
		_ = level.UnmarshalText([]byte(v))
	}
	return level
}

func setupTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.sqlite3")
	db, err := CreateDB(
		context.Background(),
		dbTypeSQLite,
		dbPath,
		newLogHandler(slogTestLevel()),
		0,
	)
	if err != nil {
		t.Fatalf("error creating test database: %v", err)
	}
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	return db
}

func TestLoggerCtx(t *testing.T) {
	_, ok := ContextLogger(context.Background())
	assert.False(t, ok)

	logger := slog.Default().With("foo", "bar")
	ctx := WithLogger(context.Background(), logger)
	got, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Same(t, logger, got)

	ctx = WithLogger(context.Background(), nil)
	got, ok = ContextLogger(ctx)
	require.True(t, ok)
	assert.Same(t, slog.Default(), got)

	fallback := slog.Default().With("fallback", true)
	assert.Same(t, fallback, contextLoggerOr(context.Background(), fallback))
	assert.Same(t, logger, contextLoggerOr(WithLogger(context.Background(), logger), fallback))
}

func TestHandleRecover(t *testing.T) {
	testCases := []struct {
		name  string
		value any
		want  string
	}{
		{name: "error", value: errors.New("boom"), want: "boom"},
		{name: "string", value: "kaboom", want: "kaboom"},
		{name: "other", value: 42, want: "panic_arg=42"},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				var buf bytes.Buffer
				logger := slog.New(slog.NewTextHandler(&buf, nil))
				ctx := WithLogger(context.Background(), logger)

				func() {
					defer func() {
						if rc := recover(); rc != nil {
							handleRecover(ctx, rc)
						}
					}()
					panic(tc.value)
				}()

				out := buf.String()
				assert.Contains(t, out, "recovered from panic")
				assert.Contains(t, out, tc.want)
				assert.Contains(t, out, "stack_trace")
			},
		)
	}
}

func TestDiscordgoLogLevels(t *testing.T) {
	testCases := []struct {
		name     string
		input    int
		expected slog.Level
	}{
		{name: "Debug level", input: discordgo.LogDebug, expected: slog.LevelDebug},
		{name: "Error level", input: discordgo.LogError, expected: slog.LevelError},
		{name: "Warning level", input: discordgo.LogWarning, expected: slog.LevelWarn},
		{name: "Informational level", input: discordgo.LogInformational, expected: slog.LevelInfo},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.expected, discordGoLogLevels[tc.input])
			},
		)
	}

	var buf bytes.Buffer
	logFunc := discordgoLoggerFunc(
		context.Background(),
		slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}),
	)
	logFunc(discordgo.LogWarning, 0, "heartbeat %s\n", "missed")
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "heartbeat missed")
}

func TestStructToSlogValue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Discord.Token = "super-secret-token"
	cfg.OpenAI.Token = "sk-secret"
	cfg.API.Secret = "api-secret"

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("config", "config", cfg)

	out := buf.String()
	assert.NotContains(t, out, "super-secret-token")
	assert.NotContains(t, out, "sk-secret")
	assert.NotContains(t, out, "api-secret")
	assert.Contains(t, out, "[redacted]")
	assert.Contains(t, out, `"log_level":"INFO"`)
	assert.Contains(t, out, `"model":"gpt-4o-mini"`)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abc", 2))
	assert.Equal(t, "éé", truncate("ééé", 2))
}

func TestHashPasswordAndVerify(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name     string
		password string
	}{
		{"Simple password", "password123"},
		{"Complex password", "C0mpl3x!P@ssw0rd"},
		{"Empty password", ""},
		{"Unicode password", "пароль123"},
		{"Very long password", strings.Repeat("a", 1000)},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				hash, err := HashPassword(tc.password)
				require.NoError(t, err)
				assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m="), hash)

				valid, err := VerifyPassword(hash, tc.password)
				require.NoError(t, err)
				assert.True(t, valid)

				valid, err = VerifyPassword(hash, tc.password+"wrong")
				require.NoError(t, err)
				assert.False(t, valid)
			},
		)
	}
}

func TestVerifyPassword_InvalidHash(t *testing.T) {
	invalidHashes := []string{
		"not a valid hash",
		"$argon2id$v=19$m=65536,t=1,p=4$invalidbase64!$invalidbase64!",
		"$argon2id$v=19$m=invalid,t=1,p=4$c29tZXNhbHQ$c29tZWhhc2g",
	}

	for i, invalidHash := range invalidHashes {
		t.Run(
			fmt.Sprintf("hash_%d", i), func(t *testing.T) {
				_, err := VerifyPassword(invalidHash, "anypassword")
				assert.Error(t, err)
			},
		)
	}
}

func TestHashPassword_Uniqueness(t *testing.T) {
	hash1, err := HashPassword("samepassword")
	require.NoError(t, err)
	hash2, err := HashPassword("samepassword")
	require.NoError(t, err)
	assert.NotEqual(t, hash1, hash2)
}

func BenchmarkHashPassword(b *testing.B) {
	for i := 0; i < b.N; i++ {
		if _, err := HashPassword("benchmark_password"); err != nil {
			b.Fatalf("HashPassword failed: %v", err)
		}
	}
}
