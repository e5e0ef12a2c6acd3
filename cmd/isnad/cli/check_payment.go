package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tkingovr/isnad/internal/payment"
)

var (
	checkAmount string
	checkTo     string
)

var checkPaymentCmd = &cobra.Command{
	Use:   "check-payment <tx_hash>",
	Short: "Dry-run payment verification for a transaction",
	Long: `Check whether a transaction would be accepted as payment for an audit
without running the gateway. Uses the payment settings of the config.`,
	Example: `  isnad check-payment -c isnad.yaml 0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060
  isnad check-payment --amount 2.5 0x5c50...`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckPayment,
}

func init() {
	checkPaymentCmd.Flags().StringVar(&checkAmount, "amount", "", "required amount (defaults to the configured price)")
	checkPaymentCmd.Flags().StringVar(&checkTo, "to", "", "destination address (defaults to the configured wallet)")
	rootCmd.AddCommand(checkPaymentCmd)
}

func runCheckPayment(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	p := cfg.Payment
	if checkAmount != "" {
		p.Price = checkAmount
	}
	if checkTo != "" {
		p.WalletAddress = checkTo
	}

	required, err := payment.ParseUnits(p.Price, p.Decimals)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", p.Price, err)
	}

	ctx := context.Background()
	verifier, closeLedger, err := newVerifier(ctx, p, logger)
	if err != nil {
		return err
	}
	defer closeLedger()

	ok, err := verifier.Verify(ctx, payment.Claim{
		TxHash:      args[0],
		Required:    required,
		Destination: p.WalletAddress,
		Contract:    p.ContractAddress,
	})
	if err != nil {
		return err
	}

	output := struct {
		TxHash   string `json:"tx_hash"`
		Verified bool   `json:"verified"`
		Required string `json:"required"`
		To       string `json:"to"`
		Contract string `json:"contract"`
		Network  string `json:"network"`
	}{
		TxHash:   args[0],
		Verified: ok,
		Required: payment.FormatUnits(required, p.Decimals),
		To:       p.WalletAddress,
		Contract: p.ContractAddress,
		Network:  p.Network,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}
