package intents

import (
	"encoding/base64"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/skip2/go-qrcode"

	"github.com/mbd888/splitpay/internal/chain"
	"github.com/mbd888/splitpay/internal/contracts/splitledger"
	"github.com/mbd888/splitpay/internal/usdc"
)

// qrSize is the PNG edge length in pixels.
const qrSize = 256

// Call is one transaction the payer submits.
type Call struct {
	To          common.Address `json:"to"`
	Data        hexutil.Bytes  `json:"data"`
	Description string         `json:"description"`
}

// Instruction tells a payer how to settle an intent: approve the ledger
// for the total, then call settle. Both calls must come from the same
// account.
type Instruction struct {
	ChainID     int64          `json:"chainId"`
	Destination common.Address `json:"destination"`
	Token       common.Address `json:"token"`
	Amount      string         `json:"amount"`
	AmountUnits string         `json:"amountUnits"`
	Calls       []Call         `json:"calls"`
	// URI is an EIP-681 link for the approval step.
	URI    string `json:"uri"`
	QRCode string `json:"qrCode"` // base64 PNG of URI
}

// BuildInstruction encodes the approve and settle calls for an intent.
func BuildInstruction(cfg Config, intent *Intent) (*Instruction, error) {
	approve, err := chain.TokenABI.Pack("approve", cfg.Ledger, intent.TotalAmount)
	if err != nil {
		return nil, fmt.Errorf("pack approve: %w", err)
	}
	settle, err := splitledger.PackSettle(intent.ReferenceID, intent.Provider(), intent.Beneficiary(), intent.TotalAmount)
	if err != nil {
		return nil, fmt.Errorf("pack settle: %w", err)
	}

	uri := ApprovalURI(cfg.Token, cfg.ChainID, cfg.Ledger, intent.TotalAmount)
	png, err := qrcode.Encode(uri, qrcode.Medium, qrSize)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}

	return &Instruction{
		ChainID:     cfg.ChainID,
		Destination: cfg.Ledger,
		Token:       cfg.Token,
		Amount:      usdc.Format(intent.TotalAmount),
		AmountUnits: intent.TotalAmount.String(),
		Calls: []Call{
			{To: cfg.Token, Data: approve, Description: "approve the split ledger to pull the total"},
			{To: cfg.Ledger, Data: settle, Description: "settle " + intent.ReferenceID},
		},
		URI:    uri,
		QRCode: base64.StdEncoding.EncodeToString(png),
	}, nil
}

// ApprovalURI renders an EIP-681 token approval request.
func ApprovalURI(token common.Address, chainID int64, spender common.Address, amount *big.Int) string {
	return fmt.Sprintf("ethereum:%s@%d/approve?address=%s&uint256=%s",
		token.Hex(), chainID, spender.Hex(), amount.String())
}
