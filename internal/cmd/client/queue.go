package client

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rzbill/regflow/internal/intake"
	"github.com/rzbill/regflow/internal/processor"
)

// NewQueueCommand constructs the `queue` command group and subcommands.
func NewQueueCommand(baseURL BaseURLFunc) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:     "queue",
		Aliases: []string{"q"},
		Short:   "Intake queue operations",
		Long: `Inspect and operate the intake queue.

Item Lifecycle:
  pending → [lease] → leased → [write ok] → completed
                        ↓ (attempts exhausted)
                      failed → [retry] → pending`,
	}
	queueCmd.AddCommand(
		newQueueStatsCommand(baseURL),
		newQueueListCommand(baseURL),
		newQueueGetCommand(baseURL),
		newQueueRetryCommand(baseURL),
		newQueueProcessCommand(baseURL),
	)
	return queueCmd
}

func newQueueStatsCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count items per state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st intake.Stats
			if err := call(cmd, http.MethodGet, baseURL()+"/v1/queue/stats", nil, &st); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintf(w, "pending\t%s\n", humanize.Comma(int64(st.Pending)))
			_, _ = fmt.Fprintf(w, "leased\t%s\n", humanize.Comma(int64(st.Leased)))
			_, _ = fmt.Fprintf(w, "completed\t%s\n", humanize.Comma(int64(st.Completed)))
			_, _ = fmt.Fprintf(w, "failed\t%s\n", humanize.Comma(int64(st.Failed)))
			_, _ = fmt.Fprintf(w, "total\t%s\n", humanize.Comma(int64(st.Total)))
			oldest := "-"
			if st.OldestPendingAgeMs > 0 {
				oldest = humanize.Time(time.Now().Add(-time.Duration(st.OldestPendingAgeMs) * time.Millisecond))
			}
			_, _ = fmt.Fprintf(w, "oldest pending\t%s\n", oldest)
			return w.Flush()
		},
	}
}

func newQueueListCommand(baseURL BaseURLFunc) *cobra.Command {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List queue items, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			state, _ := cmd.Flags().GetString("state")
			page, _ := cmd.Flags().GetInt("page")
			pageSize, _ := cmd.Flags().GetInt("page-size")
			asJSON, _ := cmd.Flags().GetBool("json")

			q := url.Values{}
			if state != "" {
				q.Set("state", state)
			}
			if page > 0 {
				q.Set("page", strconv.Itoa(page))
			}
			if pageSize > 0 {
				q.Set("page_size", strconv.Itoa(pageSize))
			}
			u := baseURL() + "/v1/queue/items"
			if len(q) > 0 {
				u += "?" + q.Encode()
			}
			var res intake.ListResult
			if err := call(cmd, http.MethodGet, u, nil, &res); err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, res)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tSTATE\tPAYMENT REF\tATTEMPTS\tCREATED\tLAST ERROR")
			for _, it := range res.Items {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					it.ID, it.State, it.PaymentRef, it.Attempts, it.MaxAttempts,
					humanize.Time(it.CreatedAt), shortErr(it.LastError, 60))
			}
			_, _ = fmt.Fprintf(w, "page %d of %d (%s items)\n", res.Page, res.TotalPages, humanize.Comma(int64(res.Total)))
			return w.Flush()
		},
	}
	listCmd.Flags().String("state", "", "Filter by state: pending|leased|completed|failed")
	listCmd.Flags().Int("page", 1, "Page number")
	listCmd.Flags().Int("page-size", 20, "Items per page")
	listCmd.Flags().Bool("json", false, "Print the raw JSON page")
	return listCmd
}

func newQueueGetCommand(baseURL BaseURLFunc) *cobra.Command {
	getCmd := &cobra.Command{
		Use:   "get [item-id]",
		Short: "Show one queue item by id or payment reference",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, _ := cmd.Flags().GetString("payment-ref")
			var u string
			switch {
			case ref != "":
				u = baseURL() + "/v1/queue/items?payment_ref=" + url.QueryEscape(ref)
			case len(args) == 1:
				u = baseURL() + "/v1/queue/items/" + url.PathEscape(args[0])
			default:
				return fmt.Errorf("an item id or --payment-ref is required")
			}
			var it intake.Item
			if err := call(cmd, http.MethodGet, u, nil, &it); err != nil {
				return err
			}
			return printJSON(cmd, it)
		},
	}
	getCmd.Flags().String("payment-ref", "", "Look up by payment reference")
	return getCmd
}

func newQueueRetryCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <item-id>",
		Short: "Return a failed item to pending with a fresh attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var it intake.Item
			u := baseURL() + "/v1/queue/items/" + url.PathEscape(args[0]) + "/retry"
			if err := call(cmd, http.MethodPost, u, nil, &it); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "item %s: %s\n", it.ID, it.State)
			return nil
		},
	}
}

func newQueueProcessCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Run one processor batch now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var res processor.BatchResult
			if err := call(cmd, http.MethodPost, baseURL()+"/v1/queue/process", nil, &res); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "leased: %d completed: %d retrying: %d failed: %d lost: %d\n",
				res.Leased, res.Completed, res.Retrying, res.PermanentlyFailed, res.Lost)
			return nil
		},
	}
}
