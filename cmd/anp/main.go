package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/seanzhang9999/anp-open-sdk-go/pkg/client"
	"github.com/seanzhang9999/anp-open-sdk-go/pkg/did"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL string
	authToken string
	cfgFile   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "anp",
	Short: "Agent Network Protocol CLI",
	Long: `anp is the command-line interface for an ANP runtime.

It lets you inspect a running server, call agent APIs, send peer
messages, and drive the hosted-DID workflow end to end.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.anp")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if serverURL == "" {
			serverURL = "http://localhost:9527"
		}
		if authToken == "" {
			authToken = viper.GetString("token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.anp/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "ANP server URL (default http://localhost:9527)")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "Bearer token for identified calls")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(messageCmd)
	rootCmd.AddCommand(hostedCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() *client.Client {
	opts := []client.Option{}
	if authToken != "" {
		opts = append(opts, client.WithToken(authToken))
	}
	return client.New(serverURL, opts...)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── status ───────────────────────────────────────────────────────────────────

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the server's liveness report",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := newClient().Status(context.Background())
		if err != nil {
			return fmt.Errorf("server status: %w", err)
		}
		fmt.Printf("Status:  %s\n", st.Status)
		fmt.Printf("Service: %s\n", st.Service)
		fmt.Printf("Agents:  %d\n", st.Agents)
		fmt.Printf("Domains:\n")
		for _, d := range st.Domains {
			fmt.Printf("  %s\n", d)
		}
		return nil
	},
}

// ── agents ───────────────────────────────────────────────────────────────────

var agentsFormat string

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List the agents the server exposes",
	RunE: func(cmd *cobra.Command, args []string) error {
		agents, err := newClient().ListAgents(context.Background())
		if err != nil {
			return fmt.Errorf("list agents: %w", err)
		}
		if agentsFormat == "json" {
			return printJSON(agents)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tDID\tMODE\tPREFIX")
		for _, a := range agents {
			mode := "exclusive"
			if a.Shared {
				mode = "shared"
				if a.Primary {
					mode = "shared (primary)"
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.Name, a.DID, mode, a.Prefix)
		}
		return w.Flush()
	},
}

func init() {
	agentsCmd.Flags().StringVar(&agentsFormat, "format", "text", "Output format: text or json")
}

// ── call ─────────────────────────────────────────────────────────────────────

var callParams string

var callCmd = &cobra.Command{
	Use:   "call <did> <path> [json-params]",
	Short: "Call an agent API path on the target DID",
	Long: `call invokes an agent API path and prints the JSON response.

Params are a JSON object, either as a trailing argument or via --params:

  anp call 'did:wba:localhost%3A9527:wba:user:3ebd1f8c12a9b07d' /add '{"a": 10, "b": 20}'`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, path := args[0], args[1]
		if _, err := did.Parse(target); err != nil {
			return fmt.Errorf("invalid DID %q: %w", target, err)
		}

		raw := callParams
		if len(args) == 3 {
			raw = args[2]
		}
		params := map[string]any{}
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &params); err != nil {
				return fmt.Errorf("params are not a JSON object: %w", err)
			}
		}

		out, err := newClient().CallAgentAPI(context.Background(), target, path, params)
		if err != nil {
			return fmt.Errorf("call %s%s: %w", target, path, err)
		}
		return printJSON(out)
	},
}

func init() {
	callCmd.Flags().StringVar(&callParams, "params", "", "JSON object of call parameters")
}

// ── message ──────────────────────────────────────────────────────────────────

var messageCmd = &cobra.Command{
	Use:   "message <did> <content>",
	Short: "Send a peer message to the target DID",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, content := args[0], args[1]
		if _, err := did.Parse(target); err != nil {
			return fmt.Errorf("invalid DID %q: %w", target, err)
		}
		out, err := newClient().SendMessage(context.Background(), target, content)
		if err != nil {
			return fmt.Errorf("message %s: %w", target, err)
		}
		return printJSON(out)
	},
}

// ── hosted ───────────────────────────────────────────────────────────────────

var hostedCmd = &cobra.Command{
	Use:   "hosted",
	Short: "Drive the hosted-DID workflow",
	Long: `hosted submits DID documents for hosted issuance and tracks the outcome.

The usual cycle is request → poll; status, check, and ack give finer control
over each step.`,
}

var hostedDocFile string

var hostedRequestCmd = &cobra.Command{
	Use:   "request <requester-did>",
	Short: "Submit a DID document for hosted issuance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		requester := args[0]
		if _, err := did.Parse(requester); err != nil {
			return fmt.Errorf("invalid requester DID %q: %w", requester, err)
		}

		data, err := os.ReadFile(hostedDocFile)
		if err != nil {
			return fmt.Errorf("read DID document: %w", err)
		}
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("DID document is not a JSON object: %w", err)
		}

		sub, err := newClient().SubmitHostedDID(context.Background(), doc, requester)
		if err != nil {
			return fmt.Errorf("submit: %w", err)
		}
		fmt.Printf("✓ Request accepted\n\n")
		fmt.Printf("  Request ID: %s\n", sub.RequestID)
		fmt.Printf("  Estimated:  %ds\n\n", sub.EstimatedProcessingTime)
		fmt.Printf("Next: anp hosted poll %s\n", did.ShortIDOf(requester))
		return nil
	},
}

func init() {
	hostedRequestCmd.Flags().StringVar(&hostedDocFile, "doc", "did_document.json", "Path to the DID document to submit")
}

var hostedStatusCmd = &cobra.Command{
	Use:   "status <request-id>",
	Short: "Show a request's lifecycle state and audit log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := newClient().HostedDIDStatus(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}
		fmt.Printf("Request: %s\n", st.RequestID)
		fmt.Printf("Status:  %s\n\n", st.Status)
		for _, e := range st.StatusLog {
			fmt.Printf("  %s  %-12s %s\n", e.At.Format(time.RFC3339), e.Status, e.Note)
		}
		return nil
	},
}

var hostedCheckCmd = &cobra.Command{
	Use:   "check <requester-short-id>",
	Short: "List pending results without acknowledging them",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		results, err := newClient().CheckHostedResults(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("check: %w", err)
		}
		if len(results) == 0 {
			fmt.Println("No pending results.")
			return nil
		}
		return printJSON(results)
	},
}

var hostedAckCmd = &cobra.Command{
	Use:   "ack <result-id>",
	Short: "Acknowledge a delivered result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().AcknowledgeResult(context.Background(), args[0]); err != nil {
			return fmt.Errorf("acknowledge: %w", err)
		}
		fmt.Printf("✓ Result acknowledged: %s\n", args[0])
		return nil
	},
}

var (
	pollInterval time.Duration
	pollAttempts int
	pollSaveRoot string
)

var hostedPollCmd = &cobra.Command{
	Use:   "poll <requester-short-id>",
	Short: "Poll for results, persist issued identities, and acknowledge",
	Long: `poll checks the server for results addressed to the requester until one
arrives or the attempt budget runs out. Successful results are written to
<save-root>/user_hosted_<host>_<port>_<short-id>/did_document.json and every
received result is acknowledged.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		results, err := newClient().PollHostedDID(context.Background(), args[0], client.PollOptions{
			Interval:    pollInterval,
			MaxAttempts: pollAttempts,
			SaveRoot:    pollSaveRoot,
		})
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		for _, r := range results {
			if r.Success {
				fmt.Printf("✓ Hosted DID issued: %s\n", r.HostedDID())
			} else {
				fmt.Printf("✗ Request %s failed: %s\n", r.RequestID, r.ErrorMessage)
			}
		}
		return nil
	},
}

func init() {
	hostedPollCmd.Flags().DurationVar(&pollInterval, "interval", 2*time.Second, "Delay between polls")
	hostedPollCmd.Flags().IntVar(&pollAttempts, "attempts", 30, "Attempt limit before giving up")
	hostedPollCmd.Flags().StringVar(&pollSaveRoot, "save-root", ".", "Directory for issued identities")

	hostedCmd.AddCommand(hostedRequestCmd)
	hostedCmd.AddCommand(hostedStatusCmd)
	hostedCmd.AddCommand(hostedCheckCmd)
	hostedCmd.AddCommand(hostedAckCmd)
	hostedCmd.AddCommand(hostedPollCmd)
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the anp CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("anp %s (Agent Network Protocol)\n", version)
	},
}
