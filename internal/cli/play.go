package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tta-server/internal/app"
	"tta-server/internal/orchestrator"
)

func newPlayCmd(root *rootOptions) *cobra.Command {
	var sessionID, playerID string
	cmd := &cobra.Command{
		Use:   "play",
		Short: "Play in the terminal, one line of input per turn",
		Long:  "Starts a new session, or resumes --session from its last checkpoint, and reads player input from stdin until EOF or quit.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			logger, err := cliLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx := cmd.Context()
			a, err := app.Build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()

			return play(ctx, a.Orchestrator, cmd.InOrStdin(), cmd.OutOrStdout(), sessionID, playerID, logger)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "resume an existing session")
	cmd.Flags().StringVar(&playerID, "player", "local", "player id of a new session")
	return cmd
}

func play(ctx context.Context, o *orchestrator.Orchestrator, in io.Reader, out io.Writer, sessionID, playerID string, logger *zap.Logger) error {
	var first orchestrator.TurnOutput
	var err error
	if sessionID == "" {
		first, err = o.StartSession(ctx, playerID)
	} else {
		first, err = o.ResumeSession(ctx, sessionID)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "[session %s]\n%s\n", first.SessionID, first.Narrative)
	if first.Terminated {
		return nil
	}

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		res, err := o.HandleInput(ctx, first.SessionID, input)
		switch {
		case err == nil:
		case orchestrator.IsTurnFailure(err):
			logger.Warn("Turn failed", zap.Error(err))
		default:
			return err
		}
		fmt.Fprintln(out, res.Narrative)
		if res.Unsynced {
			fmt.Fprintln(out, "(progress not saved yet)")
		}
		if res.Terminated {
			return nil
		}
	}
	fmt.Fprintln(out)
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	return o.Save(ctx, first.SessionID)
}
