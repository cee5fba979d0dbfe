package cmd

import (
	"bytes"
	"context"
	"fmt"
	"github.com/arcward/dishcord/dishcord"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// setTestEnv sets environment variables for the duration of the test
func setTestEnv(t testing.TB, env map[string]string) {
	t.Helper()
	for k, v := range env {
		require.NoError(t, os.Setenv(k, v))
	}
	t.Cleanup(
		func() {
			for k := range env {
				_ = os.Unsetenv(k)
			}
		},
	)
}

func executeInit(t testing.TB) string {
	t.Helper()
	configFile = ""

	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.OutOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)

	rootCmd.SetArgs([]string{"init"})
	require.NoError(t, rootCmd.Execute())

	output := out.String()
	t.Logf("output: %s", output)
	return output
}

func TestInitCommand(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "state.json")
	setTestEnv(
		t, map[string]string{
			"DC_STATE_BACKEND": "json",
			"DC_STATE_FILE":    statePath,
		},
	)

	// the first pair doesn't match, so the prompt repeats
	passwords := []string{"hunter2", "hunter3", "", "", "testsecret", "testsecret"}
	passwordIndex := 0

	t.Cleanup(
		func() {
			customPasswordReader = nil
		},
	)
	customPasswordReader = func() ([]byte, error) {
		if passwordIndex >= len(passwords) {
			return nil, fmt.Errorf("no more passwords")
		}
		password := passwords[passwordIndex]
		passwordIndex++
		return []byte(password), nil
	}

	output := executeInit(t)

	assert.Contains(t, output, "Created state file")
	assert.Contains(t, output, "Admin API secret is not set. Let's set one up.")
	assert.Contains(t, output, "Enter admin API secret:")
	assert.Contains(t, output, "Confirm admin API secret:")
	assert.Contains(t, output, "Secrets do not match")
	assert.Contains(t, output, "Secret must not be empty")
	assert.Contains(t, output, "Initialization complete")
	assert.Equal(t, len(passwords), passwordIndex)

	// the state file is an empty, loadable snapshot
	snap, err := dishcord.NewJSONFilePersister(statePath).Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Preferences)
	assert.Empty(t, snap.Favorites)

	var hash string
	for _, line := range strings.Split(output, "\n") {
		if h, ok := strings.CutPrefix(line, "DC_API_SECRET_HASH="); ok {
			hash = h
		}
	}
	require.NotEmpty(t, hash, "expected a secret hash in the output")
	assert.NotEqual(t, "testsecret", hash)

	valid, err := dishcord.VerifyPassword(hash, "testsecret")
	require.NoError(t, err)
	assert.True(t, valid)

	// running again keeps the existing state file
	require.NoError(t, os.WriteFile(statePath, []byte(`{"last_query":{"u1":"eggs"}}`), 0o600))
	setTestEnv(t, map[string]string{"DC_API_SECRET": "already-set"})
	output = executeInit(t)
	assert.Contains(t, output, "State file already exists")
	assert.Contains(t, output, "Admin API secret is already set.")

	data, err := os.ReadFile(statePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "eggs")
}

func TestInitCommand_Database(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	setTestEnv(
		t, map[string]string{
			"DC_STATE_BACKEND": "database",
			"DC_DATABASE_TYPE": "sqlite",
			"DC_DATABASE":      dbPath,
			"DC_API_SECRET":    "already-set",
		},
	)

	output := executeInit(t)
	assert.Contains(t, output, "Database ready")
	assert.Contains(t, output, "Admin API secret is already set.")

	_, err := os.Stat(dbPath)
	require.NoError(t, err, "Database file should exist")

	db, err := gorm.Open(sqlite.Open(dbPath))
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	mg := db.Migrator()
	assert.True(t, mg.HasTable(&dishcord.PreferencesRecord{}))
	assert.True(t, mg.HasTable(&dishcord.FavoriteRecord{}))
	assert.True(t, mg.HasTable(&dishcord.LastGeneratedRecord{}))
	assert.True(t, mg.HasTable(&dishcord.InteractionLog{}))
	assert.True(t, mg.HasTable(&dishcord.CompletionLog{}))
}
