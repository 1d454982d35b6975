package client

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rzbill/regflow/internal/registration"
)

// NewRegistrationCommand constructs the `registration` command group.
func NewRegistrationCommand(baseURL BaseURLFunc) *cobra.Command {
	regCmd := &cobra.Command{
		Use:     "registration",
		Aliases: []string{"reg"},
		Short:   "Look up numbered registrations",
	}
	regCmd.AddCommand(
		newRegistrationGetCommand(baseURL),
		newRegistrationListCommand(baseURL),
		newRegistrationSequenceCommand(baseURL),
	)
	return regCmd
}

func newRegistrationGetCommand(baseURL BaseURLFunc) *cobra.Command {
	getCmd := &cobra.Command{
		Use:   "get [sequence-id]",
		Short: "Show a registration by sequence id or payment reference",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, _ := cmd.Flags().GetString("payment-ref")
			var u string
			switch {
			case ref != "":
				u = baseURL() + "/v1/registrations?payment_ref=" + url.QueryEscape(ref)
			case len(args) == 1:
				if _, err := strconv.ParseUint(args[0], 10, 64); err != nil {
					return fmt.Errorf("invalid sequence id %q", args[0])
				}
				u = baseURL() + "/v1/registrations/" + args[0]
			default:
				return fmt.Errorf("a sequence id or --payment-ref is required")
			}
			var reg registration.Registration
			if err := call(cmd, http.MethodGet, u, nil, &reg); err != nil {
				return err
			}
			return printJSON(cmd, reg)
		},
	}
	getCmd.Flags().String("payment-ref", "", "Look up by payment reference")
	return getCmd
}

func newRegistrationListCommand(baseURL BaseURLFunc) *cobra.Command {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List registrations in sequence order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			after, _ := cmd.Flags().GetUint64("after")
			limit, _ := cmd.Flags().GetInt("limit")
			q := url.Values{}
			q.Set("after", strconv.FormatUint(after, 10))
			q.Set("limit", strconv.Itoa(limit))

			var res struct {
				Registrations []registration.Registration `json:"registrations"`
			}
			if err := call(cmd, http.MethodGet, baseURL()+"/v1/registrations?"+q.Encode(), nil, &res); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "SEQ\tPAYMENT REF\tORDER REF\tAMOUNT\tCREATED")
			for _, r := range res.Registrations {
				_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
					r.SequenceID, r.PaymentRef, r.OrderRef, humanize.Commaf(r.Amount), humanize.Time(r.CreatedAt))
			}
			return w.Flush()
		},
	}
	listCmd.Flags().Uint64("after", 0, "Only show sequence ids above this one")
	listCmd.Flags().Int("limit", 50, "Maximum rows")
	return listCmd
}

func newRegistrationSequenceCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "sequence",
		Short: "Show the last issued registration number",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var res struct {
				Current uint64 `json:"current"`
			}
			if err := call(cmd, http.MethodGet, baseURL()+"/v1/sequence", nil, &res); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "current: %d\n", res.Current)
			return nil
		},
	}
}
