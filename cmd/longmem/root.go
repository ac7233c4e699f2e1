package main

import (
	"context"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/sandevgo/longmem/internal/config"
	"github.com/sandevgo/longmem/pkg/log"
	"github.com/spf13/cobra"
)

var (
	debug bool
)

var rootCmd = &cobra.Command{
	Use:   "longmem",
	Short: "longmem — a chat agent with long-form conversational memory",
	Long:  `longmem keeps salient facts from early turns available thousands of turns later without replaying the transcript.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", config.IsDebug(), "enable debug logging")
	customizeHelp(rootCmd)
}

func setupLogger(ctx context.Context) (context.Context, func()) {
	isDebug := debug || config.IsDebug()
	return log.NewContextWithLogger(ctx, isDebug)
}

var (
	titleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true).MarginBottom(1)
	usageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	descStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func customizeHelp(rootCmd *cobra.Command) {
	cobra.AddTemplateFunc("StyleTitle", func(s string) string { return titleStyle.Render(s) })
	cobra.AddTemplateFunc("StyleUsage", func(s string) string { return usageStyle.Render(s) })
	cobra.AddTemplateFunc("StyleDesc", func(s string) string { return descStyle.Render(s) })

	template := `
{{StyleTitle "USAGE"}}
  {{.UseLine}}
{{if gt (len .Commands) 0}}{{StyleTitle "AVAILABLE COMMANDS"}}
{{range .Commands}}{{if (or .IsAvailableCommand (eq .Name "help"))}}
  {{rpad .Name .NamePadding}} {{StyleDesc .Short}}{{end}}
{{end}}{{end}}
{{if .HasAvailableLocalFlags}}{{StyleTitle "FLAGS"}}
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}
{{end}}
`
	rootCmd.SetHelpTemplate(template)
}
