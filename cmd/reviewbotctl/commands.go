package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/triage-ai/reviewbot/internal/server"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type globalFlags struct {
	addr    string
	token   string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "reviewbotctl",
		Short:         "Operate a review bot server",
		Long:          `Send review events, tool results and tool refreshes to a review bot server over gRPC.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.addr, "addr", envOr("REVIEW_BOT_ADDR", "localhost:50055"), "server address")
	root.PersistentFlags().StringVar(&flags.token, "token", os.Getenv("REVIEW_BOT_TOKEN"), "execution credential for worker callbacks")
	root.PersistentFlags().DurationVar(&flags.timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		dispatchCmd(flags),
		ingestCmd(flags),
		refreshToolsCmd(flags),
		registerCmd(flags),
		runManualCmd(flags),
	)
	return root
}

// withClient dials the server and runs fn with a request-scoped context.
func withClient(flags *globalFlags, fn func(ctx context.Context, c *server.Client) error) error {
	conn, err := grpc.NewClient(flags.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial %s: %w", flags.addr, err)
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
	defer cancel()
	return fn(ctx, server.NewClient(conn, flags.token))
}

func addEventFlags(cmd *cobra.Command, ev *server.ReviewEvent) {
	cmd.Flags().Int64Var(&ev.ReviewRequestID, "review-request", 0, "review request id")
	cmd.Flags().IntVar(&ev.DiffRevision, "diff", 0, "diff revision")
	cmd.Flags().Int64Var(&ev.RepositoryID, "repository", 0, "repository id")
	cmd.Flags().Int64Var(&ev.LocalSiteID, "site", 0, "local site id (0 for the global site)")
	cmd.Flags().StringArrayVar(&ev.Files, "file", nil, "touched file path (repeatable)")
	cmd.Flags().StringVar(&ev.Summary, "summary", "", "review request summary")
	_ = cmd.MarkFlagRequired("review-request")
}

func dispatchCmd(flags *globalFlags) *cobra.Command {
	var ev server.ReviewEvent
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Send a review event and dispatch the matching tools",
		Long: `Send a review request update as if the hosting review system published it.

Examples:
  reviewbotctl dispatch --review-request 42 --diff 1 --repository 3 --file src/app.py`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(flags, func(ctx context.Context, c *server.Client) error {
				resp, err := c.OnReviewEvent(ctx, ev)
				if err != nil {
					return err
				}
				printDispatch(cmd.OutOrStdout(), resp)
				return nil
			})
		},
	}
	addEventFlags(cmd, &ev)
	return cmd
}

func printDispatch(w io.Writer, resp *server.OnReviewEventResponse) {
	if len(resp.Dispatched)+len(resp.Skipped)+len(resp.Failed) == 0 {
		fmt.Fprintln(w, "no tools matched")
		return
	}
	for _, d := range resp.Dispatched {
		fmt.Fprintf(w, "%s %-24s profile=%d execution=%s\n",
			color.New(color.FgGreen).Sprint("DISPATCHED"), d.RoutingKey, d.ProfileID, d.ExecutionID)
	}
	for _, s := range resp.Skipped {
		fmt.Fprintf(w, "%s    %-24s profile=%d\n",
			color.New(color.FgYellow).Sprint("SKIPPED"), s.RoutingKey, s.ProfileID)
	}
	for _, f := range resp.Failed {
		fmt.Fprintf(w, "%s     %-24s profile=%d %s\n",
			color.New(color.FgRed).Sprint("FAILED"), f.RoutingKey, f.ProfileID, f.Error)
	}
}

func ingestCmd(flags *globalFlags) *cobra.Command {
	var resultFile string
	cmd := &cobra.Command{
		Use:   "ingest [execution-id]",
		Short: "Deliver a tool result for an execution",
		Long: `Deliver a worker result for a pending execution. The result is read from
--result-file, or from stdin when the flag is "-". Requires --token.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := readJSON(cmd.InOrStdin(), resultFile)
			if err != nil {
				return err
			}
			return withClient(flags, func(ctx context.Context, c *server.Client) error {
				resp, err := c.IngestResult(ctx, server.IngestResultRequest{ExecutionID: args[0], ResultJSON: string(result)})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				switch {
				case resp.PostError != "":
					fmt.Fprintf(out, "%s execution=%s review not posted: %s\n",
						color.New(color.FgYellow).Sprint("COMPLETED"), resp.ExecutionID, resp.PostError)
				case resp.ReviewPosted:
					fmt.Fprintf(out, "%s execution=%s review=%d\n",
						color.New(color.FgGreen).Sprint("POSTED"), resp.ExecutionID, resp.ReviewID)
				default:
					fmt.Fprintf(out, "%s execution=%s\n",
						color.New(color.FgGreen).Sprint("COMPLETED"), resp.ExecutionID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&resultFile, "result-file", "-", "JSON result file, - for stdin")
	return cmd
}

func refreshToolsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh-tools",
		Short: "Ask every worker to re-report its installed tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(flags, func(ctx context.Context, c *server.Client) error {
				if err := c.RefreshTools(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "tool refresh requested; tools are unavailable until workers reply")
				return nil
			})
		},
	}
}

func registerCmd(flags *globalFlags) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Report a worker's installed tools",
		Long: `Report installed tools the way a worker replies to update_tools_list.
The file holds a JSON array of {name, entry_point, version, description, tool_options}.
Requires --token.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readJSON(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			var tools []server.ToolRegistration
			if err := json.Unmarshal(raw, &tools); err != nil {
				return fmt.Errorf("parse tool list: %w", err)
			}
			return withClient(flags, func(ctx context.Context, c *server.Client) error {
				resp, err := c.RegisterTools(ctx, server.RegisterToolsRequest{Tools: tools})
				if err != nil {
					return err
				}
				for _, t := range resp.Tools {
					state := color.New(color.FgGreen).Sprint("enabled ")
					if !t.Enabled {
						state = color.New(color.FgYellow).Sprint("disabled")
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s.%s (%s) id=%d\n", state, t.EntryPoint, t.Version, t.Name, t.ID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "-", "JSON tool list file, - for stdin")
	return cmd
}

func runManualCmd(flags *globalFlags) *cobra.Command {
	var req server.RunManualRequest
	cmd := &cobra.Command{
		Use:   "run-manual",
		Short: "Run one profile on a review request for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(flags, func(ctx context.Context, c *server.Client) error {
				out, err := c.RunManual(ctx, req)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s profile=%d execution=%s\n",
					color.New(color.FgGreen).Sprint("DISPATCHED"), out.RoutingKey, out.ProfileID, out.ExecutionID)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&req.UserID, "user", 0, "requesting user id")
	cmd.Flags().Int64Var(&req.ProfileID, "profile", 0, "profile id")
	cmd.Flags().BoolVar(&req.Submitter, "submitter", false, "the user submitted the review request")
	cmd.Flags().BoolVar(&req.InTargetGroup, "in-target-group", false, "the user is in a target group of the review request")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("profile")
	addEventFlags(cmd, &req.Request)
	return cmd
}

func readJSON(stdin io.Reader, path string) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%s: not valid JSON", path)
	}
	return json.RawMessage(data), nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
