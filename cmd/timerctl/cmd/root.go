// Package cmd implements the timerctl command tree.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

type globalOptions struct {
	server  string
	apiKey  string
	timeout time.Duration
	jsonOut bool
}

func (o *globalOptions) client() *Client {
	return NewClient(o.server, o.apiKey, o.timeout)
}

// NewRootCommand builds the timerctl command tree.
func NewRootCommand() *cobra.Command {
	// Local flag state keeps repeated constructions independent in tests.
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "timerctl",
		Short: "Operate a timerd instance from the command line",
		Long: `timerctl drives the timerd admission API: create, inspect, reschedule
and cancel timers, and check server health.

The server address comes from --server or the TIMERD_SERVER environment
variable; the API key from --api-key or API_KEY.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.server, "server", envOr("TIMERD_SERVER", "http://localhost:8080"), "Base URL of the timerd admission API")
	flags.StringVar(&opts.apiKey, "api-key", os.Getenv("API_KEY"), "API key sent as X-API-Key")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "Request timeout")
	flags.BoolVar(&opts.jsonOut, "json", false, "Print raw JSON responses")

	root.AddCommand(
		newCreateCommand(opts),
		newListCommand(opts),
		newGetCommand(opts),
		newUpdateCommand(opts),
		newCancelCommand(opts),
		newHealthCommand(opts),
	)
	return root
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSummary(w io.Writer, t *TimerSummary) {
	fmt.Fprintf(w, "ID:         %s\n", t.ID)
	fmt.Fprintf(w, "Status:     %s\n", t.Status)
	fmt.Fprintf(w, "Type:       %s\n", t.CallbackType)
	fmt.Fprintf(w, "Execute at: %s\n", t.ExecuteAt.Format(time.RFC3339))
	if t.ExecutedAt != nil {
		fmt.Fprintf(w, "Executed at: %s\n", t.ExecutedAt.Format(time.RFC3339))
	}
}

func printDetail(w io.Writer, d *TimerDetail) {
	fmt.Fprintf(w, "ID:          %s\n", d.ID)
	fmt.Fprintf(w, "Status:      %s\n", d.Status)
	fmt.Fprintf(w, "Execute at:  %s\n", d.ExecuteAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Created at:  %s\n", d.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Updated at:  %s\n", d.UpdatedAt.Format(time.RFC3339))
	if d.ExecutedAt != nil {
		fmt.Fprintf(w, "Executed at: %s\n", d.ExecutedAt.Format(time.RFC3339))
	}
	if d.LastError != nil {
		fmt.Fprintf(w, "Last error:  %s\n", *d.LastError)
	}
	if callback, err := json.Marshal(d.Callback); err == nil {
		fmt.Fprintf(w, "Callback:    %s\n", callback)
	}
	if len(d.Metadata) > 0 && string(d.Metadata) != "null" {
		fmt.Fprintf(w, "Metadata:    %s\n", d.Metadata)
	}
}
