package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/nixpig/taskworker/internal/stats"
	"github.com/nixpig/taskworker/internal/taskmanager"
	"github.com/nixpig/taskworker/internal/taskmanager/logstore"
	"github.com/spf13/cobra"
)

type runOptions struct {
	token      string
	tokensPath string
	target     string
	prefix     string
	interval   int
	messages   string
	once       bool
}

func runCmd() *cobra.Command {
	opts := &runOptions{}

	c := &cobra.Command{
		Use:   "run",
		Short: "Run a single task in the foreground, printing its log",
		Example: "  taskserver run --tokens tokens.txt --thread 1234 --prefix hi --interval 60 --messages messages.txt\n" +
			"  taskserver run --token EAAB... --thread 1234 --prefix hi --interval 5 --messages messages.txt --once",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}

			params, err := opts.params()
			if err != nil {
				return err
			}

			logger := newLogger(cfg)

			store, err := newStore(cfg.Store, logger)
			if err != nil {
				return fmt.Errorf("open log store: %w", err)
			}
			defer store.Close()

			return runTask(
				cmd.Context(),
				params,
				store,
				newAction(cfg.Action),
				logger,
				cmd.OutOrStdout(),
			)
		},
	}

	f := c.Flags()
	f.StringVar(&opts.token, "token", "", "Single access token")
	f.StringVar(&opts.tokensPath, "tokens", "", "File of access tokens, one per line")
	f.StringVar(&opts.target, "thread", "", "Target thread id")
	f.StringVar(&opts.prefix, "prefix", "", "Prefix added to every message")
	f.IntVar(&opts.interval, "interval", 60, "Seconds to wait after every attempt")
	f.StringVar(&opts.messages, "messages", "", "File of messages, one per line")
	f.BoolVar(&opts.once, "once", false, "Stop after one pass over the messages")

	c.MarkFlagsOneRequired("token", "tokens")
	c.MarkFlagsMutuallyExclusive("token", "tokens")

	return c
}

func (o *runOptions) params() (taskmanager.Params, error) {
	p := taskmanager.Params{
		Target: o.target,
		Prefix: o.prefix,
		Once:   o.once,
	}

	var err error

	if p.Interval, err = taskmanager.IntervalFromSeconds(int64(o.interval)); err != nil {
		return p, err
	}

	if o.token != "" {
		p.Credentials = []string{strings.TrimSpace(o.token)}
	} else if p.Credentials, err = readLinesFile(o.tokensPath); err != nil {
		return p, fmt.Errorf("read tokens: %w", err)
	}

	if o.messages != "" {
		if p.Messages, err = readLinesFile(o.messages); err != nil {
			return p, fmt.Errorf("read messages: %w", err)
		}
	}

	return p, nil
}

func readLinesFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return taskmanager.ReadLines(f)
}

// runTask runs one task until it finishes or ctx is done, writing its log to
// store and echoing every line to out. A summary of attempts is printed on
// exit. The caller owns store.
func runTask(
	ctx context.Context,
	params taskmanager.Params,
	store logstore.Store,
	action taskmanager.Action,
	logger *slog.Logger,
	out io.Writer,
) error {
	sink := stats.NewSink(stats.WithHost(nil))
	echo := &echoStore{Store: store, out: out}

	// Task log lines go to out, diagnostics to the logger (stderr).
	manager := taskmanager.NewManager(echo, action, sink, logger)

	id, err := manager.CreateTask(params)
	if err != nil {
		return err
	}

	done, err := manager.Done(id)
	if err != nil {
		return err
	}

	select {
	case <-done:
	case <-ctx.Done():
		if err := manager.StopTask(id); err != nil && !errors.Is(err, taskmanager.ErrTaskNotFound) {
			return err
		}

		<-done
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := manager.Shutdown(shutdownCtx); err != nil {
		return err
	}

	snap, _ := sink.Snapshot(context.Background())

	fmt.Fprintf(
		out,
		"%s attempts, %s failed, in %s\n",
		humanize.Comma(snap.Attempts),
		humanize.Comma(snap.Errors),
		snap.UptimeString(),
	)

	return nil
}

// echoStore copies every appended line to out.
type echoStore struct {
	logstore.Store

	out io.Writer
	mu  sync.Mutex
}

func (s *echoStore) Log(taskID string) logstore.Log {
	return &echoLog{Log: s.Store.Log(taskID), s: s}
}

type echoLog struct {
	logstore.Log

	s *echoStore
}

func (l *echoLog) Append(line string) error {
	l.s.mu.Lock()
	fmt.Fprintln(l.s.out, line)
	l.s.mu.Unlock()

	return l.Log.Append(line)
}
