package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	quorumbridge "github.com/wippyai/quorum-bridge"
	"github.com/wippyai/quorum-bridge/dispatch"
	"github.com/wippyai/quorum-bridge/errors"
	"github.com/wippyai/quorum-bridge/guest"
	"github.com/wippyai/quorum-bridge/lifecycle"
)

type runFlags struct {
	mock     bool
	polls    int32
	lineMode bool
}

func newRunCmd(flags *globalFlags) *cobra.Command {
	rf := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [source]",
		Short: "Load a quorum module and drive it interactively",
		Long: `Load a quorum module from a URL or path and keep it running.

On a terminal a TUI offers Initiate and Join as the bridge allows them.
Otherwise commands are read line by line from stdin:

  initiate <bootstrap-address>
  join <seed-token>
  stop      end the current run; the module is re-instantiated
  state     print lifecycle state and affordances
  quit`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := flags.load()
			if err != nil {
				return err
			}

			source := cfg.Source
			if len(args) == 1 {
				source = args[0]
			}
			if source == "" && rf.mock {
				source = quorumbridge.MockSource
			}
			if source == "" {
				return fmt.Errorf("no source: pass one, set source in the config or use --mock")
			}

			shutdown, err := setupTelemetry(ctx, cfg.Telemetry)
			if err != nil {
				return err
			}
			defer shutdown(context.WithoutCancel(ctx))

			if !rf.lineMode && isTerminal(os.Stdin) && isTerminal(os.Stdout) {
				return runInteractive(ctx, cfg, source, rf)
			}

			logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer logger.Sync()

			b, err := quorumbridge.New(ctx, cfg, rf.options(logger)...)
			if err != nil {
				return err
			}
			defer b.Close(context.WithoutCancel(ctx))

			if err := b.Start(ctx, source); err != nil {
				return err
			}
			return runLines(ctx, b, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&rf.mock, "mock", false, "serve the built-in quorum guest at "+quorumbridge.MockSource)
	cmd.Flags().Int32Var(&rf.polls, "polls", 0, "with --mock, end each run after this many ticks")
	cmd.Flags().BoolVar(&rf.lineMode, "lines", false, "read commands from stdin even on a terminal")
	return cmd
}

func (rf *runFlags) options(logger *zap.Logger) []quorumbridge.Option {
	opts := []quorumbridge.Option{quorumbridge.WithLogger(logger)}
	if rf.mock {
		opts = append(opts, quorumbridge.WithMock(guest.WithPolls(rf.polls)))
	}
	return opts
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// lockedWriter serializes output from the command loop and observers.
type lockedWriter struct {
	w  io.Writer
	mu sync.Mutex
}

func (l *lockedWriter) printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, format, args...)
}

// runLines executes line commands from in until quit, end of input, ctx
// end or a supervisor halt.
func runLines(ctx context.Context, b *quorumbridge.Bridge, in io.Reader, w io.Writer) error {
	out := &lockedWriter{w: w}
	unsubscribe := b.OnLifecycle(func(ev lifecycle.Event) {
		if ev.Err != nil {
			out.printf("lifecycle: %s (generation %d): %v\n", ev.State, ev.Generation, ev.Err)
			return
		}
		out.printf("lifecycle: %s (generation %d)\n", ev.State, ev.Generation)
	})
	defer unsubscribe()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.Done():
			return b.Err()
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			if quit := execLine(ctx, b, out, line); quit {
				return nil
			}
		}
	}
}

func execLine(ctx context.Context, b *quorumbridge.Bridge, out *lockedWriter, line string) (quit bool) {
	name, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "":
	case "initiate":
		res, err := b.InitiateQuorum(ctx, arg)
		printOutcome(out, "initiate", res, err)
	case "join":
		res, err := b.JoinGroup(ctx, arg)
		printOutcome(out, "join", res, err)
	case "stop":
		if b.Stop() {
			out.printf("run stopped\n")
		} else {
			out.printf("no run in progress\n")
		}
	case "state":
		a := b.Affordances()
		out.printf("state %s, generation %d, can initiate %t, can join %t\n",
			b.State(), b.Generation(), a.CanInitiate, a.CanJoin)
	case "quit", "exit":
		return true
	default:
		out.printf("unknown command %q\n", name)
	}
	return false
}

func printOutcome(out *lockedWriter, name string, res dispatch.Result, err error) {
	switch {
	case err != nil:
		out.printf("%s refused: %v\n", name, err)
	case res.OK():
		out.printf("%s ok: %s\n", name, res.Value)
	case errors.Is(res.Err, errors.ErrCommandFailed):
		out.printf("%s rejected: %s\n", name, errors.Reason(res.Err))
	default:
		out.printf("%s failed: %v\n", name, res.Err)
	}
}
