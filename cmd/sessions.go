package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/takutakahashi/kbterm/pkg/client"
)

var (
	endpoint     string
	apiKey       string
	forwardedFor string
	outputFormat string
	terminateAll bool
)

var SessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage terminal sessions on a running kbterm server",
	Long: `Manage terminal sessions on a running kbterm server.

Sessions belong to the client address that created them. Use --as to act on
behalf of another address.

Examples:
  kbterm sessions list --endpoint http://localhost:8080
  kbterm sessions create --as 10.0.0.5 -o json
  kbterm sessions terminate 5f0c2d3e-...
  kbterm sessions terminate --all`,
}

var listSessionsCmd = &cobra.Command{
	Use:   "list",
	Short: "List your terminal sessions",
	Args:  cobra.NoArgs,
	RunE:  runListSessions,
}

var createSessionCmd = &cobra.Command{
	Use:   "create",
	Short: "Create or reuse a terminal session",
	Args:  cobra.NoArgs,
	RunE:  runCreateSession,
}

var terminateSessionCmd = &cobra.Command{
	Use:   "terminate [session-id]",
	Short: "Terminate a terminal session",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTerminateSession,
}

func init() {
	SessionsCmd.PersistentFlags().StringVarP(&endpoint, "endpoint", "e", "http://localhost:8080", "kbterm server URL")
	SessionsCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("KBTERM_API_KEY"), "API key (defaults to $KBTERM_API_KEY)")
	SessionsCmd.PersistentFlags().StringVar(&forwardedFor, "as", "", "Client address to act for")
	SessionsCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json, yaml)")

	terminateSessionCmd.Flags().BoolVar(&terminateAll, "all", false, "Terminate all of your sessions")

	SessionsCmd.AddCommand(listSessionsCmd)
	SessionsCmd.AddCommand(createSessionCmd)
	SessionsCmd.AddCommand(terminateSessionCmd)
}

func newSessionsClient() *client.Client {
	var opts []client.Option
	if apiKey != "" {
		opts = append(opts, client.WithAPIKey(apiKey))
	}
	if forwardedFor != "" {
		opts = append(opts, client.WithForwardedFor(forwardedFor))
	}
	return client.NewClient(endpoint, opts...)
}

func runListSessions(cmd *cobra.Command, args []string) error {
	resp, err := newSessionsClient().ListSessions(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	return writeOutput(cmd.OutOrStdout(), outputFormat, resp, func(w io.Writer) error {
		return writeSessionTable(w, resp.Sessions)
	})
}

func runCreateSession(cmd *cobra.Command, args []string) error {
	resp, err := newSessionsClient().CreateSession(context.Background())
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return writeOutput(cmd.OutOrStdout(), outputFormat, resp, func(w io.Writer) error {
		if err := writeSessionTable(w, []client.Session{resp.Session}); err != nil {
			return err
		}
		_, err := fmt.Fprintf(w, "\nURL:   %s\nProxy: %s\n", resp.URL, resp.ProxyPath)
		return err
	})
}

func runTerminateSession(cmd *cobra.Command, args []string) error {
	if terminateAll == (len(args) == 1) {
		return errors.New("specify either a session id or --all")
	}

	c := newSessionsClient()
	var (
		resp *client.DeleteResponse
		err  error
	)
	if terminateAll {
		resp, err = c.TerminateAll(context.Background())
	} else {
		resp, err = c.TerminateSession(context.Background(), args[0])
	}
	if err != nil {
		return fmt.Errorf("failed to terminate: %w", err)
	}
	return writeOutput(cmd.OutOrStdout(), outputFormat, resp, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "Terminated %d session(s)\n", resp.Terminated)
		return err
	})
}

func writeOutput(w io.Writer, format string, v interface{}, table func(io.Writer) error) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case "table", "":
		return table(w)
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}

func writeSessionTable(w io.Writer, sessions []client.Session) error {
	if len(sessions) == 0 {
		_, err := fmt.Fprintln(w, "No sessions")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tOWNER\tPORT\tSTATE\tLAST ACCESSED")
	for _, s := range sessions {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", s.ID, s.OwnerAddress, s.Port, s.State, s.LastAccessed.Format(time.RFC3339))
	}
	return tw.Flush()
}
