package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var memoriesCmd = &cobra.Command{
	Use:   "memories",
	Short: "Dump all active memories and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var flushLog func()
		ctx, flushLog = setupLogger(ctx)
		defer flushLog()

		ag, services, err := newAgent(ctx)
		if err != nil {
			return err
		}
		defer func() {
			for i := len(services) - 1; i >= 0; i-- {
				_ = services[i].Shutdown(ctx)
			}
		}()

		memories, err := ag.ActiveMemories(ctx)
		if err != nil {
			return err
		}
		if len(memories) == 0 {
			fmt.Println("no active memories")
			return nil
		}
		for _, m := range memories {
			fmt.Printf("%-10s [%s/%s] %s: %s (conf %.2f, turn %d, last used %d)\n",
				m.ID, m.Type, m.Category, m.Key, m.Value,
				m.Confidence, m.SourceTurn, m.LastUsedTurn)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(memoriesCmd)
}
