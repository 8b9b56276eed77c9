package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"trustgate/internal/responder"
	"trustgate/internal/types"
)

var (
	ratifyApprove  bool
	ratifyReject   bool
	ratifyFeedback string
	ratifyOffline  bool
	ratifyAPI      string
)

var ratifyCmd = &cobra.Command{
	Use:   "ratify <decision-id>",
	Short: "Approve or reject an earlier decision",
	Long: `Sends human feedback on a recorded decision. Approvals build trust for the
decision's category; rejections reset it and count toward the circuit breaker.

By default the running engine's API receives the ratification so its
in-memory state moves immediately. --offline applies it straight to the
database for when the engine is stopped.

Examples:
  trustgate ratify 3f0c... --approve
  trustgate ratify 3f0c... --reject --feedback "wrong branch"`,
	Args: cobra.ExactArgs(1),
	RunE: runRatify,
}

func init() {
	ratifyCmd.Flags().BoolVar(&ratifyApprove, "approve", false, "Approve the decision")
	ratifyCmd.Flags().BoolVar(&ratifyReject, "reject", false, "Reject the decision")
	ratifyCmd.Flags().StringVar(&ratifyFeedback, "feedback", "", "Free-form feedback stored with the ratification")
	ratifyCmd.Flags().BoolVar(&ratifyOffline, "offline", false, "Apply directly to the database instead of the running API")
	ratifyCmd.Flags().StringVar(&ratifyAPI, "api", "", "API base URL (default: http://<api.address>)")
	ratifyCmd.MarkFlagsMutuallyExclusive("approve", "reject")
	ratifyCmd.MarkFlagsOneRequired("approve", "reject")
}

func runRatify(cmd *cobra.Command, args []string) error {
	req := types.RatificationRequest{
		DecisionID: args[0],
		Approved:   ratifyApprove,
		Feedback:   ratifyFeedback,
	}

	var (
		res responder.RatificationResult
		err error
	)
	if ratifyOffline {
		res, err = ratifyLocal(cmd.Context(), req)
	} else {
		base := ratifyAPI
		if base == "" {
			base = "http://" + cfg.API.Address
		}
		res, err = ratifyRemote(cmd.Context(), base, req)
	}
	if err != nil {
		return err
	}

	verdict := "rejected"
	if req.Approved {
		verdict = "approved"
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Decision %s %s.\n", req.DecisionID, verdict)
	fmt.Fprintf(out, "  %s/%s trust level: %d", res.Trust.Domain, res.Trust.Category, res.Trust.TrustLevel)
	if res.Promoted {
		fmt.Fprint(out, " (promoted)")
	}
	fmt.Fprintf(out, "\n  breaker: %s\n", res.Breaker.Status)
	return nil
}

func ratifyLocal(ctx context.Context, req types.RatificationRequest) (responder.RatificationResult, error) {
	if err := cfg.Validate(); err != nil {
		return responder.RatificationResult{}, err
	}
	svc, err := buildService(ctx, cfg)
	if err != nil {
		return responder.RatificationResult{}, err
	}
	defer svc.Close()
	return svc.responder.Ratify(ctx, req)
}

func ratifyRemote(ctx context.Context, base string, req types.RatificationRequest) (responder.RatificationResult, error) {
	var res responder.RatificationResult
	body, err := json.Marshal(req)
	if err != nil {
		return res, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(base, "/")+"/ratifications", bytes.NewReader(body))
	if err != nil {
		return res, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		return res, fmt.Errorf("ratification API unreachable (use --offline if the engine is stopped): %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return res, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return res, fmt.Errorf("ratification failed (%d): %s", resp.StatusCode, apiErr.Error)
		}
		return res, fmt.Errorf("ratification failed: status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return res, fmt.Errorf("failed to parse response: %w", err)
	}
	return res, nil
}
