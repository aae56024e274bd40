package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	api "github.com/nixpig/taskworker/api/v1"
	"github.com/nixpig/taskworker/internal/config"
	"github.com/nixpig/taskworker/internal/taskmanager"
	"github.com/nixpig/taskworker/internal/tlsconfig"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type clientConfig struct {
	serverHostname string
	serverPort     string
	caCertPath     string
	certPath       string
	keyPath        string
}

type cli struct {
	client api.TaskServiceClient
	conn   *grpc.ClientConn
}

func newCLI() *cli {
	return &cli{}
}

func (c *cli) rootCmd() *cobra.Command {
	cfg := &clientConfig{}

	command := &cobra.Command{
		Use:          "taskctl",
		Short:        "CLI for interacting with a taskserver",
		Version:      config.Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Tests inject a client.
			if c.client != nil {
				return nil
			}

			tlsConfig, err := tlsconfig.SetupTLS(&tlsconfig.Config{
				CertPath:   cfg.certPath,
				KeyPath:    cfg.keyPath,
				CACertPath: cfg.caCertPath,
				ServerName: cfg.serverHostname,
			})
			if err != nil {
				return err
			}

			c.conn, err = grpc.NewClient(
				net.JoinHostPort(cfg.serverHostname, cfg.serverPort),
				grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)),
			)
			if err != nil {
				return err
			}

			c.client = api.NewTaskServiceClient(c.conn)

			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.conn == nil {
				return nil
			}

			// Connection needs to remain open for duration of any child commands.
			return c.conn.Close()
		},
	}

	command.AddCommand(
		c.startCmd(),
		c.stopCmd(),
		c.listCmd(),
		c.logsCmd(),
		c.statsCmd(),
	)

	command.CompletionOptions.HiddenDefaultCmd = true

	pf := command.PersistentFlags()
	pf.StringVar(&cfg.serverHostname, "server-hostname", "localhost", "Server hostname")
	pf.StringVar(&cfg.serverPort, "server-port", "8443", "Server port")
	pf.StringVar(&cfg.certPath, "cert-path", "certs/client-operator.crt", "Path to client TLS certificate")
	pf.StringVar(&cfg.keyPath, "key-path", "certs/client-operator.key", "Path to client TLS private key")
	pf.StringVar(&cfg.caCertPath, "ca-cert-path", "certs/ca.crt", "Path to CA certificate for mTLS")

	return command
}

func (c *cli) startCmd() *cobra.Command {
	var (
		token      string
		tokensPath string
		interval   int
		messages   string
		req        api.CreateTaskRequest
	)

	command := &cobra.Command{
		Use:     "start [flags]",
		Short:   "Start a new task",
		Example: "  taskctl start --tokens tokens.txt --thread 1234 --prefix hi --interval 60 --messages messages.txt",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error

			if token != "" {
				req.Credentials = []string{token}
			} else if req.Credentials, err = readLinesFile(tokensPath); err != nil {
				return fmt.Errorf("read tokens: %w", err)
			}

			if req.Messages, err = readLinesFile(messages); err != nil {
				return fmt.Errorf("read messages: %w", err)
			}

			if req.Interval, err = taskmanager.IntervalFromSeconds(int64(interval)); err != nil {
				return err
			}

			s, err := req.Struct()
			if err != nil {
				return err
			}

			resp, err := c.client.CreateTask(cmd.Context(), s)
			if err != nil {
				return mapError(err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), resp.GetValue())

			return nil
		},
	}

	f := command.Flags()
	f.StringVar(&token, "token", "", "Single access token")
	f.StringVar(&tokensPath, "tokens", "", "File of access tokens, one per line")
	f.StringVar(&req.Target, "thread", "", "Target thread id")
	f.StringVar(&req.Prefix, "prefix", "", "Prefix added to every message")
	f.IntVar(&interval, "interval", 60, "Seconds to wait after every attempt")
	f.StringVar(&messages, "messages", "", "File of messages, one per line")
	f.BoolVar(&req.Once, "once", false, "Stop after one pass over the messages")

	command.MarkFlagsOneRequired("token", "tokens")
	command.MarkFlagsMutuallyExclusive("token", "tokens")
	command.MarkFlagRequired("messages")

	return command
}

func readLinesFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return taskmanager.ReadLines(f)
}

func (c *cli) stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "stop [flags] TASK_ID",
		Short:   "Stop a running task",
		Example: "  taskctl stop Ab12Cd34",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := c.client.StopTask(
				cmd.Context(),
				wrapperspb.String(args[0]),
			); err != nil {
				return mapError(err)
			}

			fmt.Fprintf(
				cmd.OutOrStdout(),
				"Task with ID %s has been stopped. Logs are still available.\n",
				args[0],
			)

			return nil
		},
	}
}

func (c *cli) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Short:   "List tasks",
		Example: "  taskctl list",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := c.client.ListTasks(cmd.Context(), &emptypb.Empty{})
			if err != nil {
				return mapError(err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

			fmt.Fprintf(w, "TASK ID\tRUNNING\tSTATE\t\n")

			for _, v := range resp.GetValues() {
				fields := v.GetStructValue().GetFields()

				fmt.Fprintf(
					w,
					"%s\t%t\t%s\t\n",
					fields["task_id"].GetStringValue(),
					fields["running"].GetBoolValue(),
					fields["state"].GetStringValue(),
				)
			}

			return w.Flush()
		},
	}
}

func (c *cli) logsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "logs [flags] TASK_ID",
		Short:   "Follow a task's log from now on",
		Example: "  taskctl logs Ab12Cd34",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stream, err := c.client.StreamTaskLogs(
				cmd.Context(),
				wrapperspb.String(args[0]),
			)
			if err != nil {
				return mapError(err)
			}

			for {
				resp, err := stream.Recv()
				if err != nil {
					if errors.Is(err, io.EOF) {
						break
					}

					if status.Code(err) == codes.Canceled {
						break
					}

					return mapError(err)
				}

				fmt.Fprintln(cmd.OutOrStdout(), resp.GetValue())
			}

			return nil
		},
	}
}

func (c *cli) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "stats",
		Short:   "Show attempt counters and host usage",
		Example: "  taskctl stats",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := c.client.GetStats(cmd.Context(), &emptypb.Empty{})
			if err != nil {
				return mapError(err)
			}

			writeStats(cmd.OutOrStdout(), resp)

			return nil
		},
	}
}

func writeStats(out io.Writer, st *structpb.Struct) {
	fields := st.GetFields()

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Attempts:\t%s\n", humanize.Comma(int64(fields["attempts"].GetNumberValue())))
	fmt.Fprintf(w, "Errors:\t%s\n", humanize.Comma(int64(fields["errors"].GetNumberValue())))
	fmt.Fprintf(w, "Uptime:\t%s\n", fields["uptime"].GetStringValue())
	fmt.Fprintf(w, "Current time:\t%s\n", fields["current_time"].GetStringValue())

	if host := fields["host"].GetStructValue(); host != nil {
		h := host.GetFields()

		fmt.Fprintf(w, "CPU:\t%.1f%%\n", h["cpu_percent"].GetNumberValue())
		fmt.Fprintf(
			w,
			"Memory:\t%s / %s (%.1f%%)\n",
			humanize.IBytes(uint64(h["memory_used"].GetNumberValue())),
			humanize.IBytes(uint64(h["memory_total"].GetNumberValue())),
			h["memory_percent"].GetNumberValue(),
		)
		fmt.Fprintf(w, "Goroutines:\t%d\n", int64(h["goroutines"].GetNumberValue()))
	}

	w.Flush()
}

// mapError translates gRPC errors to human-readable messages.
func mapError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	switch st.Code() {
	case codes.NotFound:
		return errors.New("not found")
	case codes.PermissionDenied:
		return errors.New("permission denied")
	case codes.Unauthenticated:
		return errors.New("not authenticated")
	case codes.InvalidArgument:
		return fmt.Errorf("%s", st.Message())
	case codes.Unavailable:
		return errors.New("server unavailable")
	default:
		return fmt.Errorf("%s", st.Message())
	}
}
