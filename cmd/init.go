package cmd

import (
	"errors"
	"fmt"
	"github.com/arcward/dishcord/dishcord"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"io/fs"
	"log"
	"os"
	"syscall"
)

// passwordReader is a function type for reading passwords. It's really only
// here to make testing easier.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the state backend and generate an admin API secret hash",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		switch cfg.State.Backend {
		case "database":
			if cfg.DatabaseType == "" {
				log.Fatal("Environment variable DC_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
			}
			if cfg.Database == "" {
				log.Fatal(
					"Environment variable DC_DATABASE not set (must be a valid " +
						"database connection string or sqlite file path)",
				)
			}
			// Run database migrations
			db, err := dishcord.CreateDB(
				ctx,
				cfg.DatabaseType,
				cfg.Database,
				nil,
				cfg.DatabaseSlowThreshold,
			)
			if err != nil {
				log.Fatalf("Error creating database: %v", err)
			}
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
			fmt.Fprintf(out, "Database ready: %s\n", cfg.Database)
		default:
			persister := dishcord.NewJSONFilePersister(cfg.State.File)
			_, err := os.Stat(cfg.State.File)
			switch {
			case errors.Is(err, fs.ErrNotExist):
				if err = persister.Save(ctx, dishcord.NewSnapshot()); err != nil {
					log.Fatalf("Error creating state file: %v", err)
				}
				fmt.Fprintf(out, "Created state file: %s\n", cfg.State.File)
			case err != nil:
				log.Fatalf("Error checking state file: %v", err)
			default:
				if _, err = persister.Load(ctx); err != nil {
					log.Fatalf("Existing state file is invalid: %v", err)
				}
				fmt.Fprintf(out, "State file already exists: %s\n", cfg.State.File)
			}
		}

		if cfg.API.Secret != "" || cfg.API.SecretHash != "" {
			fmt.Fprintln(out, "Admin API secret is already set.")
		} else {
			fmt.Fprintln(out, "Admin API secret is not set. Let's set one up.")

			if customPasswordReader == nil {
				customPasswordReader = func() ([]byte, error) {
					return term.ReadPassword(int(syscall.Stdin))
				}
			}

			var secret string
			for {
				fmt.Fprint(out, "Enter admin API secret: ")
				secretBytes, err := customPasswordReader()
				if err != nil {
					log.Fatalf("Error reading secret: %v", err)
				}
				secret = string(secretBytes)
				fmt.Fprintln(out)

				fmt.Fprint(out, "Confirm admin API secret: ")
				confirmBytes, err := customPasswordReader()
				if err != nil {
					log.Fatalf("Error reading secret: %v", err)
				}
				fmt.Fprintln(out)

				if secret == "" {
					fmt.Fprintln(out, "Secret must not be empty. Please try again.")
					continue
				}
				if secret == string(confirmBytes) {
					break
				}
				fmt.Fprintln(out, "Secrets do not match. Please try again.")
			}

			hashed, err := dishcord.HashPassword(secret)
			if err != nil {
				log.Fatalf("Error hashing secret: %v", err)
			}

			envPrefix := os.Getenv(dishcord.EnvvarSetEnvPrefix)
			if envPrefix == "" {
				envPrefix = dishcord.DefaultEnvPrefix
			}
			fmt.Fprintln(out, "Add this to your environment to enable the admin API:")
			fmt.Fprintf(out, "%s_API_SECRET_HASH=%s\n", envPrefix, hashed)
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
