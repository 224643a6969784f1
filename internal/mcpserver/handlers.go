package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleWhoAmI reports the identity behind the API key.
func (h *Handlers) HandleWhoAmI(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Me(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to resolve identity: %v", err)), nil
	}
	var me struct {
		UserID string `json:"userId"`
		Role   string `json:"role"`
	}
	if err := json.Unmarshal(raw, &me); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse identity: %v", err)), nil
	}
	text := fmt.Sprintf("Acting as %s (role: %s)", me.UserID, me.Role)
	if me.Role != "arbiter" {
		text += "\nThis key cannot list disputes or arbitrate."
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetEscrow shows one escrow.
func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	raw, err := h.client.GetEscrow(ctx, escrowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}
	return escrowResult(raw)
}

// HandleFindEscrowByJob shows the escrow funding a job.
func (h *Handlers) HandleFindEscrowByJob(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := req.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id is required"), nil
	}
	raw, err := h.client.GetJobEscrow(ctx, jobID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to find escrow for job: %v", err)), nil
	}
	return escrowResult(raw)
}

// HandleListDisputes lists open disputes.
func (h *Handlers) HandleListDisputes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 50)

	raw, err := h.client.ListDisputes(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list disputes: %v", err)), nil
	}

	var resp struct {
		Escrows []escrowSummary `json:"escrows"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse disputes: %v", err)), nil
	}
	if len(resp.Escrows) == 0 {
		return mcp.NewToolResultText("No open disputes."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d open dispute(s):\n\n", len(resp.Escrows))
	for i, e := range resp.Escrows {
		fmt.Fprintf(&sb, "%d. %s (job %s)\n", i+1, e.ID, e.JobID)
		fmt.Fprintf(&sb, "   Amount: %d | Payer: %s | Provider: %s\n", e.Amount, e.PayerID, e.PayeeID)
		if e.DisputedAt != nil {
			fmt.Fprintf(&sb, "   Disputed: %s\n", e.DisputedAt.UTC().Format(time.RFC3339))
		}
		fmt.Fprintf(&sb, "   Reason: %s\n", e.DisputeReason)
		if i < len(resp.Escrows)-1 {
			sb.WriteString("\n")
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListEffects shows an escrow's side effects.
func (h *Handlers) HandleListEffects(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	raw, err := h.client.ListEffects(ctx, escrowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list effects: %v", err)), nil
	}

	var resp struct {
		Effects []effectSummary `json:"effects"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse effects: %v", err)), nil
	}
	if len(resp.Effects) == 0 {
		return mcp.NewToolResultText("No side effects recorded."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Side effects of %s:\n", escrowID)
	for _, f := range resp.Effects {
		switch f.Kind {
		case "ledger_credit":
			fmt.Fprintf(&sb, "- credit %d to %s (%s): %s", f.Amount, f.UserID, f.Reason, f.Status)
		default:
			fmt.Fprintf(&sb, "- notify %s [%s]: %s", f.UserID, f.Template, f.Status)
		}
		if f.Attempts > 0 && f.Status != "delivered" {
			fmt.Fprintf(&sb, " after %d attempt(s)", f.Attempts)
		}
		if f.LastError != "" {
			fmt.Fprintf(&sb, " (last error: %s)", f.LastError)
		}
		sb.WriteString("\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleArbitrateEscrow rules on a dispute.
func (h *Handlers) HandleArbitrateEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	outcome := req.GetString("outcome", "")
	switch outcome {
	case "release", "refund":
	case "partial":
		if req.GetInt("refund_amount", 0) <= 0 {
			return mcp.NewToolResultError("refund_amount is required for a partial ruling"), nil
		}
	default:
		return mcp.NewToolResultError("outcome must be release, refund or partial"), nil
	}
	refund := int64(req.GetInt("refund_amount", 0))
	note := req.GetString("note", "")

	raw, err := h.client.Arbitrate(ctx, escrowID, outcome, refund, note)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Arbitration failed: %v", err)), nil
	}
	e, err := decodeEscrow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Ruling recorded for %s: %s\n", e.ID, e.Resolution)
	fmt.Fprintf(&sb, "  Refunded to payer:   %d\n", e.RefundAmount)
	fmt.Fprintf(&sb, "  Paid to provider:    %d\n", e.PayoutAmount)
	sb.WriteString("Ledger credits are delivered asynchronously; use list_effects to confirm.")
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting helpers ---

type escrowSummary struct {
	ID                 string     `json:"id"`
	JobID              string     `json:"jobId"`
	ApplicationID      string     `json:"applicationId"`
	PayerID            string     `json:"payerId"`
	PayeeID            string     `json:"payeeId"`
	Amount             int64      `json:"amount"`
	CommissionTier     string     `json:"commissionTier"`
	CommissionRateBps  int64      `json:"commissionRateBps"`
	PlatformCommission int64      `json:"platformCommission"`
	PayeeEarnings      int64      `json:"payeeEarnings"`
	State              string     `json:"state"`
	DeliveredAt        *time.Time `json:"deliveredAt"`
	AutoReleaseAt      *time.Time `json:"autoReleaseAt"`
	DisputeReason      string     `json:"disputeReason"`
	DisputeEvidence    []string   `json:"disputeEvidence"`
	DisputedAt         *time.Time `json:"disputedAt"`
	ProviderArrived    bool       `json:"providerArrived"`
	CancellationFee    int64      `json:"cancellationFee"`
	RefundAmount       int64      `json:"refundAmount"`
	PayoutAmount       int64      `json:"payoutAmount"`
	Resolution         string     `json:"resolution"`
	ArbiterID          string     `json:"arbiterId"`
	CreatedAt          time.Time  `json:"createdAt"`
	ResolvedAt         *time.Time `json:"resolvedAt"`
}

type effectSummary struct {
	Kind      string `json:"kind"`
	UserID    string `json:"userId"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason"`
	Template  string `json:"template"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"lastError"`
}

func decodeEscrow(raw json.RawMessage) (*escrowSummary, error) {
	var resp struct {
		Escrow *escrowSummary `json:"escrow"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	if resp.Escrow == nil {
		return nil, fmt.Errorf("no escrow in response: %s", string(raw))
	}
	return resp.Escrow, nil
}

func escrowResult(raw json.RawMessage) (*mcp.CallToolResult, error) {
	e, err := decodeEscrow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(formatEscrow(e)), nil
}

func formatEscrow(e *escrowSummary) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow %s [%s]\n", e.ID, e.State)
	fmt.Fprintf(&sb, "  Job: %s (application %s)\n", e.JobID, e.ApplicationID)
	fmt.Fprintf(&sb, "  Payer: %s | Provider: %s\n", e.PayerID, e.PayeeID)
	fmt.Fprintf(&sb, "  Amount: %d (commission %d at %d bps, %s tier; provider earns %d)\n",
		e.Amount, e.PlatformCommission, e.CommissionRateBps, e.CommissionTier, e.PayeeEarnings)
	if e.DeliveredAt != nil {
		fmt.Fprintf(&sb, "  Delivered: %s\n", e.DeliveredAt.UTC().Format(time.RFC3339))
	}
	if e.AutoReleaseAt != nil {
		fmt.Fprintf(&sb, "  Auto-release: %s\n", e.AutoReleaseAt.UTC().Format(time.RFC3339))
	}
	if e.DisputeReason != "" {
		fmt.Fprintf(&sb, "  Dispute: %s\n", e.DisputeReason)
		for _, ref := range e.DisputeEvidence {
			fmt.Fprintf(&sb, "    evidence: %s\n", ref)
		}
	}
	if e.Resolution != "" {
		fmt.Fprintf(&sb, "  Resolution: %s", e.Resolution)
		if e.ArbiterID != "" {
			fmt.Fprintf(&sb, " by %s", e.ArbiterID)
		}
		sb.WriteString("\n")
		fmt.Fprintf(&sb, "  Refunded: %d | Paid out: %d", e.RefundAmount, e.PayoutAmount)
		if e.CancellationFee > 0 {
			fmt.Fprintf(&sb, " | Cancellation fee: %d", e.CancellationFee)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
