// Package notify runs an optional user command when a row reaches a
// terminal state, e.g. a desktop notification script.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/mattn/go-shellwords"
)

// Hook invokes a configured command with row details in the environment.
type Hook struct {
	argv []string
	log  *slog.Logger
}

// New parses the command line. An empty command yields a nil hook, which
// is safe to call.
func New(command string, log *slog.Logger) (*Hook, error) {
	if command == "" {
		return nil, nil
	}
	parser := shellwords.NewParser()
	argv, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse notify command: %w", err)
	}
	if len(argv) == 0 {
		return nil, nil
	}
	return &Hook{argv: argv, log: log.With(slog.String("component", "notify-hook"))}, nil
}

// Fire runs the command asynchronously. Failures are logged only.
func (h *Hook) Fire(rowID int64, phase, status string) {
	if h == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		cmd := exec.CommandContext(ctx, h.argv[0], h.argv[1:]...)
		cmd.Env = append(os.Environ(),
			fmt.Sprintf("VIENEU_ROW_ID=%d", rowID),
			fmt.Sprintf("VIENEU_ROW_PHASE=%s", phase),
			fmt.Sprintf("VIENEU_ROW_STATUS=%s", status),
		)
		if err := cmd.Run(); err != nil {
			h.log.Warn("notify command failed", slog.Int64("row_id", rowID), slog.String("error", err.Error()))
		}
	}()
}
