package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/CrisisTextLine/timer-platform/internal/timer"
)

func newCreateCommand(opts *globalOptions) *cobra.Command {
	var (
		at       string
		in       time.Duration
		webhook  string
		topic    string
		key      string
		payload  string
		headers  []string
		metadata string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a timer",
		Long: `Create a timer that fires an HTTP webhook or publishes a pub/sub
message at the given instant. The instant must be at least five seconds
in the future.

Examples:
  timerctl create --in 2h --url https://example.com/hook --payload '{"kind":"reminder"}'
  timerctl create --at 2026-09-01T09:00:00Z --topic orders.followup --payload '{"order":42}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			executeAt, err := resolveInstant(at, in)
			if err != nil {
				return err
			}
			callback, err := buildCallback(webhook, topic, key, payload, headers)
			if err != nil {
				return err
			}
			req := CreateTimerRequest{ExecuteAt: executeAt, Callback: *callback}
			if metadata != "" {
				if !json.Valid([]byte(metadata)) {
					return errors.New("metadata is not valid JSON")
				}
				req.Metadata = json.RawMessage(metadata)
			}

			created, err := opts.client().CreateTimer(cmd.Context(), req)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), created)
			}
			printSummary(cmd.OutOrStdout(), created)
			return nil
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "Absolute fire instant, RFC 3339 (e.g. 2026-09-01T09:00:00Z)")
	cmd.Flags().DurationVar(&in, "in", 0, "Relative fire instant from now (e.g. 90s, 2h)")
	cmd.Flags().StringVar(&webhook, "url", "", "Webhook URL for an HTTP callback")
	cmd.Flags().StringVar(&topic, "topic", "", "Subject for a pub/sub callback")
	cmd.Flags().StringVar(&key, "key", "", "Optional pub/sub key, appended to the subject")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload delivered with the callback")
	cmd.Flags().StringArrayVar(&headers, "header", nil, "Callback header as name=value; repeatable")
	cmd.Flags().StringVar(&metadata, "metadata", "", "Opaque JSON stored with the timer")
	return cmd
}

func newListCommand(opts *globalOptions) *cobra.Command {
	var listOpts ListOptions

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List timers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := opts.client().ListTimers(cmd.Context(), listOpts)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), res)
			}

			out := cmd.OutOrStdout()
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tTYPE\tEXECUTE AT\tEXECUTED AT")
			for _, t := range res.Timers {
				executed := "-"
				if t.ExecutedAt != nil {
					executed = t.ExecutedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					t.ID, t.Status, t.CallbackType, t.ExecuteAt.Format(time.RFC3339), executed)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "\n%d of %d timers (offset %d)\n", len(res.Timers), res.Total, res.Offset)
			return nil
		},
	}

	cmd.Flags().StringVar(&listOpts.Status, "status", "", "Filter by status: pending, executing, completed, failed or canceled")
	cmd.Flags().StringVar(&listOpts.Sort, "sort", "", "Sort field: created_at or execute_at")
	cmd.Flags().StringVar(&listOpts.Order, "order", "", "Sort order: asc or desc")
	cmd.Flags().IntVar(&listOpts.Limit, "limit", 0, "Page size (server default 50, max 200)")
	cmd.Flags().IntVar(&listOpts.Offset, "offset", 0, "Page offset")
	return cmd
}

func newGetCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one timer in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			detail, err := opts.client().GetTimer(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), detail)
			}
			printDetail(cmd.OutOrStdout(), detail)
			return nil
		},
	}
}

func newUpdateCommand(opts *globalOptions) *cobra.Command {
	var (
		at       string
		in       time.Duration
		webhook  string
		topic    string
		key      string
		payload  string
		headers  []string
		metadata string
	)

	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Reschedule or retarget a pending timer",
		Long: `Update a pending timer. Only the given fields change; replacing the
callback swaps it wholesale.

Examples:
  timerctl update 8c51… --in 30m
  timerctl update 8c51… --topic orders.retry --payload '{"attempt":2}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req UpdateTimerRequest

			if at != "" || in != 0 {
				instant, err := resolveInstant(at, in)
				if err != nil {
					return err
				}
				req.ExecuteAt = &instant
			}
			if webhook != "" || topic != "" {
				callback, err := buildCallback(webhook, topic, key, payload, headers)
				if err != nil {
					return err
				}
				req.Callback = callback
			}
			if metadata != "" {
				if !json.Valid([]byte(metadata)) {
					return errors.New("metadata is not valid JSON")
				}
				req.Metadata = json.RawMessage(metadata)
			}
			if req.ExecuteAt == nil && req.Callback == nil && req.Metadata == nil {
				return errors.New("nothing to update; pass --at, --in, --url, --topic or --metadata")
			}

			updated, err := opts.client().UpdateTimer(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), updated)
			}
			printSummary(cmd.OutOrStdout(), updated)
			return nil
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "New fire instant, RFC 3339")
	cmd.Flags().DurationVar(&in, "in", 0, "New fire instant relative to now")
	cmd.Flags().StringVar(&webhook, "url", "", "Replace the callback with an HTTP webhook")
	cmd.Flags().StringVar(&topic, "topic", "", "Replace the callback with a pub/sub publish")
	cmd.Flags().StringVar(&key, "key", "", "Pub/sub key for a replaced callback")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload for a replaced callback")
	cmd.Flags().StringArrayVar(&headers, "header", nil, "Header for a replaced callback; repeatable")
	cmd.Flags().StringVar(&metadata, "metadata", "", "Replace the stored metadata JSON")
	return cmd
}

func newCancelCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending or executing timer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := opts.client().CancelTimer(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Canceled %s\n", res.ID)
			return nil
		},
	}
}

func newHealthCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			health, err := opts.client().CheckHealth(cmd.Context())
			if health != nil {
				if opts.jsonOut {
					if err := printJSON(cmd.OutOrStdout(), health); err != nil {
						return err
					}
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Status:   %s\nDatabase: %s\n", health.Status, health.Database)
				}
			}
			return err
		},
	}
}

// resolveInstant turns the --at / --in flag pair into a concrete time.
func resolveInstant(at string, in time.Duration) (time.Time, error) {
	switch {
	case at != "" && in != 0:
		return time.Time{}, errors.New("--at and --in are mutually exclusive")
	case at != "":
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid --at: %w", err)
		}
		return t, nil
	case in != 0:
		return time.Now().Add(in), nil
	}
	return time.Time{}, errors.New("one of --at or --in is required")
}

// buildCallback assembles the callback union from flags. Exactly one of the
// webhook URL and the pub/sub topic must be set.
func buildCallback(webhook, topic, key, payload string, headers []string) (*timer.CallbackConfig, error) {
	if (webhook == "") == (topic == "") {
		return nil, errors.New("exactly one of --url or --topic is required")
	}
	parsed, err := parseHeaders(headers)
	if err != nil {
		return nil, err
	}
	var body json.RawMessage
	if payload != "" {
		if !json.Valid([]byte(payload)) {
			return nil, errors.New("payload is not valid JSON")
		}
		body = json.RawMessage(payload)
	}

	var cb timer.CallbackConfig
	if webhook != "" {
		cb = timer.NewHTTPCallback(timer.HTTPCallback{URL: webhook, Headers: parsed, Payload: body})
	} else {
		cb = timer.NewPubCallback(timer.PubCallback{Topic: topic, Key: key, Headers: parsed, Payload: body})
	}
	return &cb, nil
}

func parseHeaders(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	headers := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q (want name=value)", pair)
		}
		headers[name] = value
	}
	return headers, nil
}
