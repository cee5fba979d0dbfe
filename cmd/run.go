package cmd

import (
	"github.com/arcward/dishcord/dishcord"
	"github.com/spf13/cobra"
	"log"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the DishCord bot, and optionally the admin API and webhook server",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := dishcord.New(cfg)
			if err != nil {
				log.Fatalf("error creating dishcord: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running dishcord: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
