package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
	payer  string
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client, payer: client.cfg.Payer}
}

// HandleCreatePaymentIntent opens an intent and shows how to pay it.
func (h *Handlers) HandleCreatePaymentIntent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	referenceID := req.GetString("reference_id", "")
	amount := req.GetString("amount", "")
	provider := req.GetString("provider", "")
	beneficiary := req.GetString("beneficiary", "")
	if referenceID == "" || amount == "" || provider == "" || beneficiary == "" {
		return mcp.NewToolResultError("reference_id, amount, provider and beneficiary are required"), nil
	}

	raw, err := h.client.CreateIntent(ctx, referenceID, amount, provider, beneficiary)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create intent: %v", err)), nil
	}

	var resp struct {
		Intent      intentInfo      `json:"intent"`
		Instruction instructionInfo `json:"paymentInstruction"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse intent: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString(formatIntent(resp.Intent))
	sb.WriteString("\n")
	sb.WriteString(formatInstruction(resp.Instruction))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetPaymentIntent looks up an intent.
func (h *Handlers) HandleGetPaymentIntent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("intent_id", "")
	if id == "" {
		return mcp.NewToolResultError("intent_id is required"), nil
	}

	raw, err := h.client.GetIntent(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get intent: %v", err)), nil
	}

	var resp struct {
		Intent intentInfo `json:"intent"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse intent: %v", err)), nil
	}
	return mcp.NewToolResultText(formatIntent(resp.Intent)), nil
}

// HandlePayIntent submits an intent's calls from a devnet account.
func (h *Handlers) HandlePayIntent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("intent_id", "")
	if id == "" {
		return mcp.NewToolResultError("intent_id is required"), nil
	}
	payer := req.GetString("payer", h.payer)
	if payer == "" {
		return mcp.NewToolResultError("payer is required when no default payer is configured"), nil
	}

	raw, err := h.client.GetInstruction(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get payment instruction: %v", err)), nil
	}
	var resp struct {
		Instruction instructionInfo `json:"paymentInstruction"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse payment instruction: %v", err)), nil
	}
	if len(resp.Instruction.Calls) == 0 {
		return mcp.NewToolResultError("payment instruction has no calls"), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Paying intent %s (%s USDC) from %s\n", id, resp.Instruction.Amount, payer)
	for i, call := range resp.Instruction.Calls {
		receiptRaw, err := h.client.SubmitTransaction(ctx, payer, call.To, call.Data)
		if err != nil {
			// Earlier calls already landed; report how far we got.
			fmt.Fprintf(&sb, "  %d. %s: FAILED: %v\n", i+1, call.Description, err)
			return mcp.NewToolResultError(sb.String()), nil
		}
		var r struct {
			Receipt struct {
				TxHash      string `json:"txHash"`
				BlockNumber uint64 `json:"blockNumber"`
			} `json:"receipt"`
		}
		_ = json.Unmarshal(receiptRaw, &r)
		fmt.Fprintf(&sb, "  %d. %s: tx %s in block %d\n", i+1, call.Description, r.Receipt.TxHash, r.Receipt.BlockNumber)
	}
	sb.WriteString("\nThe intent completes once the settle transaction is confirmed.")
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetSettlements lists settlements by reference or transaction hash.
func (h *Handlers) HandleGetSettlements(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	referenceID := req.GetString("reference_id", "")
	txHash := req.GetString("tx_hash", "")
	if referenceID == "" && txHash == "" {
		return mcp.NewToolResultError("reference_id or tx_hash is required"), nil
	}

	raw, err := h.client.ListSettlements(ctx, referenceID, txHash)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get settlements: %v", err)), nil
	}

	text, err := formatSettlements(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse settlements: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetStake shows a staker's position.
func (h *Handlers) HandleGetStake(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("address", "")
	if address == "" {
		return mcp.NewToolResultError("address is required"), nil
	}

	raw, err := h.client.GetStake(ctx, address)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get stake: %v", err)), nil
	}

	text, err := formatStake(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse stake: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetSlashCase shows a slash case.
func (h *Handlers) HandleGetSlashCase(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("case_id", "")
	if id == "" {
		return mcp.NewToolResultError("case_id is required"), nil
	}

	raw, err := h.client.GetSlashCase(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get slash case: %v", err)), nil
	}

	text, err := formatSlashCase(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse slash case: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetListenerStatus reports settlement listener progress.
func (h *Handlers) HandleGetListenerStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetListenerStatus(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get listener status: %v", err)), nil
	}

	var resp struct {
		Listener map[string]any `json:"listener"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Listener == nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	l := resp.Listener

	var sb strings.Builder
	fmt.Fprintf(&sb, "Settlement listener: %s\n", getString(l, "state"))
	fmt.Fprintf(&sb, "  Chain:      %s\n", getString(l, "chainId"))
	fmt.Fprintf(&sb, "  Head:       %s\n", getString(l, "head"))
	fmt.Fprintf(&sb, "  Next block: %s\n", getString(l, "nextBlock"))
	fmt.Fprintf(&sb, "  Depth:      %s\n", getString(l, "confirmationDepth"))
	if v := getString(l, "lastError"); v != "" {
		fmt.Fprintf(&sb, "  Last error: %s (failures: %s)\n", v, getString(l, "failures"))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Response shapes and formatting ---

type intentInfo struct {
	ID           string `json:"id"`
	ReferenceID  string `json:"referenceId"`
	TotalAmount  string `json:"totalAmount"`
	Status       string `json:"status"`
	SplitVersion int    `json:"splitVersion"`
	SettlementID string `json:"settlementId"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Split        []struct {
		Role    string `json:"role"`
		Address string `json:"address"`
		BPS     uint32 `json:"bps"`
		Amount  string `json:"amount"`
	} `json:"split"`
}

type instructionInfo struct {
	ChainID     int64  `json:"chainId"`
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
	URI         string `json:"uri"`
	Calls       []struct {
		To          string `json:"to"`
		Data        string `json:"data"`
		Description string `json:"description"`
	} `json:"calls"`
}

func formatIntent(in intentInfo) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Payment intent %s\n", in.ID)
	fmt.Fprintf(&sb, "  Reference: %s\n", in.ReferenceID)
	fmt.Fprintf(&sb, "  Amount:    %s USDC\n", in.TotalAmount)
	fmt.Fprintf(&sb, "  Status:    %s\n", in.Status)
	if !in.ExpiresAt.IsZero() && in.Status == "pending" {
		fmt.Fprintf(&sb, "  Expires:   %s\n", in.ExpiresAt.Format(time.RFC3339))
	}
	if in.SettlementID != "" {
		fmt.Fprintf(&sb, "  Settlement: %s\n", in.SettlementID)
	}
	if len(in.Split) > 0 {
		fmt.Fprintf(&sb, "  Split (v%d):\n", in.SplitVersion)
		for _, s := range in.Split {
			fmt.Fprintf(&sb, "    %-12s %s USDC (%d bps) -> %s\n", s.Role, s.Amount, s.BPS, s.Address)
		}
	}
	return sb.String()
}

func formatInstruction(in instructionInfo) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "To pay, submit these calls on chain %d:\n", in.ChainID)
	for i, c := range in.Calls {
		fmt.Fprintf(&sb, "  %d. %s\n     to: %s\n", i+1, c.Description, c.To)
	}
	if in.URI != "" {
		fmt.Fprintf(&sb, "Wallet link: %s\n", in.URI)
	}
	return sb.String()
}

func formatSettlements(raw json.RawMessage) (string, error) {
	var resp struct {
		Count       int `json:"count"`
		Settlements []struct {
			Settlement struct {
				ID              string `json:"id"`
				PaymentIntentID string `json:"paymentIntentId"`
				ReferenceID     string `json:"referenceId"`
				Payer           string `json:"payer"`
				TxHash          string `json:"txHash"`
				BlockNumber     uint64 `json:"blockNumber"`
				TotalAmount     string `json:"totalAmount"`
			} `json:"settlement"`
			Shares []struct {
				Role    string `json:"role"`
				Address string `json:"address"`
				Amount  string `json:"amount"`
			} `json:"shares"`
		} `json:"settlements"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Settlements) == 0 {
		return "No settlements found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d settlement(s):\n\n", len(resp.Settlements))
	for i, v := range resp.Settlements {
		s := v.Settlement
		fmt.Fprintf(&sb, "%d. %s: %s USDC for %s\n", i+1, s.ID, s.TotalAmount, s.ReferenceID)
		fmt.Fprintf(&sb, "   Payer: %s | Block: %d | Tx: %s\n", s.Payer, s.BlockNumber, s.TxHash)
		if s.PaymentIntentID != "" {
			fmt.Fprintf(&sb, "   Intent: %s\n", s.PaymentIntentID)
		} else {
			sb.WriteString("   Intent: unmatched\n")
		}
		for _, sh := range v.Shares {
			fmt.Fprintf(&sb, "     %-12s %s USDC -> %s\n", sh.Role, sh.Amount, sh.Address)
		}
		if i < len(resp.Settlements)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func formatStake(raw json.RawMessage) (string, error) {
	var resp struct {
		Stake   map[string]any `json:"stake"`
		Balance string         `json:"balance"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	st := resp.Stake
	if st == nil {
		return "", fmt.Errorf("missing stake in response")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Stake for %s\n", getString(st, "owner"))
	fmt.Fprintf(&sb, "  Tier:      %s\n", getString(st, "tier"))
	fmt.Fprintf(&sb, "  Status:    %s\n", getString(st, "status"))
	fmt.Fprintf(&sb, "  Active:    %s USDC\n", getString(st, "active"))
	if v := getString(st, "unbonding"); v != "" && v != "0.000000" {
		fmt.Fprintf(&sb, "  Unbonding: %s USDC (unlocks %s)\n", v, getString(st, "unlockAt"))
	}
	if v := getString(st, "totalSlashed"); v != "" && v != "0.000000" {
		fmt.Fprintf(&sb, "  Slashed:   %s USDC\n", v)
	}
	if frozen, _ := st["frozen"].(bool); frozen {
		sb.WriteString("  Frozen by a pending slash case\n")
	}
	if resp.Balance != "" {
		fmt.Fprintf(&sb, "  Wallet:    %s USDC\n", resp.Balance)
	}
	return sb.String(), nil
}

func formatSlashCase(raw json.RawMessage) (string, error) {
	var resp struct {
		Case map[string]any `json:"case"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	cs := resp.Case
	if cs == nil {
		return "", fmt.Errorf("missing case in response")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Slash case #%s against %s\n", getString(cs, "id"), getString(cs, "subject"))
	fmt.Fprintf(&sb, "  Tier:     %s\n", getString(cs, "tier"))
	fmt.Fprintf(&sb, "  Status:   %s\n", getString(cs, "status"))
	fmt.Fprintf(&sb, "  Proposed: %s USDC\n", getString(cs, "proposedAmount"))
	if v := getString(cs, "slashedAmount"); v != "" && v != "0.000000" {
		fmt.Fprintf(&sb, "  Slashed:  %s USDC\n", v)
	}
	fmt.Fprintf(&sb, "  Appeal by %s (bond %s USDC)\n", getString(cs, "appealDeadline"), getString(cs, "appealBond"))
	if v := getString(cs, "evidenceRef"); v != "" {
		fmt.Fprintf(&sb, "  Evidence: %s\n", v)
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				if f == math.Trunc(f) {
					return strconv.FormatInt(int64(f), 10)
				}
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}
