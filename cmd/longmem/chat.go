package main

import (
	"os"
	"os/signal"

	"github.com/sandevgo/longmem/pkg/log"
	"github.com/sandevgo/longmem/pkg/srv"
	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat with long-form memory",
	Long:  `Opens the line REPL against the configured LLM provider. State persists in the runtime directory, so conversations resume across restarts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		var flushLog func()
		ctx, flushLog = setupLogger(ctx)
		defer flushLog()

		logger := log.FromCtx(ctx)
		logger.Info().Msg("starting longmem")

		services := newServices(ctx)

		srv.StartServices(ctx, services)
		srv.ShutdownServices(ctx, services)

		logger.Info().Msg("longmem has been shut down gracefully")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
}
