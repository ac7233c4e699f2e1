// Package cli is the line-oriented chat transport. It is deliberately
// thin; the interactive UI proper is outside the engine's scope.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/sandevgo/longmem/internal/service/agent"
	"github.com/sandevgo/longmem/pkg/log"
)

var (
	promptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	statStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	memStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
)

type REPL struct {
	agent *agent.Agent
	in    io.Reader
	out   io.Writer
	done  chan struct{}
}

func NewREPL(a *agent.Agent) *REPL {
	return &REPL{
		agent: a,
		in:    os.Stdin,
		out:   os.Stdout,
		done:  make(chan struct{}),
	}
}

func (r *REPL) Start(ctx context.Context) error {
	logger := log.FromCtx(ctx)
	logger.Info().Msg("chat started; /memories /distill /snapshot /quit")

	fmt.Fprintln(r.out, statStyle.Render(
		"Long-form memory chat. Facts from turn 1 survive to turn 1000."))
	if turn := r.agent.CurrentTurn(); turn > 0 {
		fmt.Fprintln(r.out, statStyle.Render(
			fmt.Sprintf("Resuming conversation from turn %d.", turn)))
	}

	scanner := bufio.NewScanner(r.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.done:
			return nil
		default:
		}

		fmt.Fprint(r.out, promptStyle.Render("You: "))
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := r.handleCommand(ctx, line); quit {
				return nil
			}
			continue
		}

		result, err := r.agent.Chat(ctx, line)
		if err != nil {
			fmt.Fprintln(r.out, errorStyle.Render("Error: "+err.Error()))
			continue
		}

		fmt.Fprintln(r.out, result.Response)
		fmt.Fprintln(r.out, statStyle.Render(fmt.Sprintf(
			"turn %d | ctx %s (%d tok) | retrieval %.1fms | total %.1fms | flushes %d | memories %d",
			result.TurnID, result.ContextUtilization, result.ContextTokens,
			result.RetrievalMs, result.TotalMs, result.TotalFlushes, result.TotalMemories)))
		if result.FlushTriggered {
			fmt.Fprintln(r.out, statStyle.Render("context flushed, memories distilled"))
		}
	}
}

// handleCommand runs one slash command; returns true on /quit.
func (r *REPL) handleCommand(ctx context.Context, line string) bool {
	switch strings.ToLower(line) {
	case "/quit", "/exit":
		return true

	case "/memories":
		memories, err := r.agent.ActiveMemories(ctx)
		if err != nil {
			fmt.Fprintln(r.out, errorStyle.Render("Error: "+err.Error()))
			return false
		}
		if len(memories) == 0 {
			fmt.Fprintln(r.out, statStyle.Render("no active memories yet"))
			return false
		}
		for _, m := range memories {
			fmt.Fprintln(r.out, memStyle.Render(fmt.Sprintf(
				"[%s] %s: %s (conf %.2f, turn %d)",
				m.Type, m.Key, m.Value, m.Confidence, m.SourceTurn)))
		}

	case "/distill":
		res, err := r.agent.Flush(ctx)
		if err != nil {
			fmt.Fprintln(r.out, errorStyle.Render("Error: "+err.Error()))
			return false
		}
		fmt.Fprintln(r.out, statStyle.Render(fmt.Sprintf(
			"distilled: %+d memories, %d total", res.MemoriesAdded, res.TotalMemories)))

	case "/snapshot":
		path, err := r.agent.Snapshot(ctx)
		if err != nil {
			fmt.Fprintln(r.out, errorStyle.Render("Error: "+err.Error()))
			return false
		}
		fmt.Fprintln(r.out, statStyle.Render("snapshot written to "+path))

	default:
		fmt.Fprintln(r.out, statStyle.Render("commands: /memories /distill /snapshot /quit"))
	}
	return false
}

func (r *REPL) Shutdown(ctx context.Context) error {
	close(r.done)
	return nil
}
