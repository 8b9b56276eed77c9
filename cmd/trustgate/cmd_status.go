package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"trustgate/internal/store"
	"trustgate/internal/types"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show trust levels, breakers, and the decision log summary",
	RunE:  showStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print as JSON")
}

type statusReport struct {
	Summary     store.Summary         `json:"summary"`
	Trust       []types.TrustState    `json:"trust"`
	Breakers    []types.BreakerState  `json:"breakers"`
	Unsubmitted []types.TrustDecision `json:"unsubmitted"`
}

func showStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, err := store.Open(cfg.Store.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	var r statusReport
	if r.Summary, err = st.Summarize(ctx); err != nil {
		return err
	}
	if r.Trust, err = st.LoadTrustStates(ctx); err != nil {
		return err
	}
	if r.Breakers, err = st.LoadBreakerStates(ctx); err != nil {
		return err
	}
	if r.Unsubmitted, err = st.UnsubmittedActs(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	fmt.Fprintf(out, "Database: %s\n", cfg.Store.DatabasePath)
	fmt.Fprintf(out, "Cases: %d  Ratified: %d approved / %d rejected\n", r.Summary.Cases, r.Summary.Approved, r.Summary.Rejected)
	fmt.Fprintf(out, "Decisions: shadow=%d suggest=%d act=%d defer=%d\n",
		r.Summary.Decisions[string(types.ActionShadow)], r.Summary.Decisions[string(types.ActionSuggest)],
		r.Summary.Decisions[string(types.ActionAct)], r.Summary.Decisions[string(types.ActionDefer)])
	fmt.Fprintf(out, "Submissions: %d (%d failed)\n\n", r.Summary.Submissions, r.Summary.FailedSubmits)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DOMAIN\tCATEGORY\tLEVEL\tSTREAK\tLAST ACTIVE")
	for _, s := range r.Trust {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", s.Domain, s.Category, s.TrustLevel, s.ConsecutiveSuccesses, formatTime(s.LastActivityAt))
	}
	tw.Flush()

	if len(r.Breakers) > 0 {
		fmt.Fprintln(out)
		tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CATEGORY\tSTATUS\tFAILURES\tTRIPS\tCOOLDOWN")
		for _, b := range r.Breakers {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%v\n", b.Category, b.Status, b.ConsecutiveFailures, b.Trips, b.Cooldown)
		}
		tw.Flush()
	}

	if len(r.Unsubmitted) > 0 {
		fmt.Fprintf(out, "\n%d acted decisions were never submitted:\n", len(r.Unsubmitted))
		for _, d := range r.Unsubmitted {
			fmt.Fprintf(out, "  %s  %s  %s\n", d.ID, d.NotificationID, d.Question)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}
