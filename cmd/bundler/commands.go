package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/launch-bundler/bundler"
	"github.com/flashbots/launch-bundler/wallet"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	errAborted     = errors.New("aborted")
	errNoDatabase  = errors.New("--postgres-dsn is required")
	errBuyMismatch = errors.New("number of buy amounts must be 1 or match the number of wallets")
)

var (
	walletsFile string
	walletCount int

	funderKey  string
	fundAmount string

	devKey      string
	tokenAddr   string
	tokenAmount string
	ethAmount   string
	buyAmounts  []string

	bundleHash string
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate wallets and write them to the wallets file",
	RunE: func(cmd *cobra.Command, args []string) error {
		accounts, err := wallet.Generate(walletCount)
		if err != nil {
			return err
		}
		if err := wallet.Save(walletsFile, accounts); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for i, a := range accounts {
			fmt.Fprintf(out, "%3d  %s\n", i, a.Address().Hex())
		}
		fmt.Fprintf(out, "saved %d wallets to %s\n", len(accounts), walletsFile)
		return nil
	},
}

var fundCmd = &cobra.Command{
	Use:   "fund",
	Short: "Send ETH from the funder to every wallet in one bundle",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		funder, err := wallet.FromHex(funderKey)
		if err != nil {
			return fmt.Errorf("funder key: %w", err)
		}
		accounts, err := wallet.Load(walletsFile)
		if err != nil {
			return err
		}
		each, err := bundler.ParseEther(fundAmount)
		if err != nil {
			return err
		}
		recipients := make([]common.Address, len(accounts))
		for i, a := range accounts {
			recipients[i] = a.Address()
		}

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		batch, err := a.bundler.PrepareFunding(ctx, funder, recipients, each)
		if err != nil {
			return err
		}
		return sendBatch(ctx, cmd, a, batch)
	},
}

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Approve, add liquidity and buy from every wallet in one bundle",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		dev, err := wallet.FromHex(devKey)
		if err != nil {
			return fmt.Errorf("dev key: %w", err)
		}
		if !common.IsHexAddress(tokenAddr) {
			return fmt.Errorf("%w: token address %q", bundler.ErrInvalidIntent, tokenAddr)
		}
		token := common.HexToAddress(tokenAddr)
		accounts, err := wallet.Load(walletsFile)
		if err != nil {
			return err
		}
		buys, err := buyOrders(accounts, buyAmounts)
		if err != nil {
			return err
		}
		ethWei, err := bundler.ParseEther(ethAmount)
		if err != nil {
			return err
		}

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		decimals, err := bundler.TokenDecimals(ctx, a.bundler.Chain, token)
		if err != nil {
			return fmt.Errorf("reading token decimals: %w", err)
		}
		tokens, err := bundler.ParseAmount(tokenAmount, decimals)
		if err != nil {
			return err
		}

		batch, err := a.bundler.PrepareLaunch(ctx, dev, buys, bundler.LiquidityIntent{
			Token:       token,
			TokenAmount: tokens,
			ETHAmount:   ethWei,
		})
		if err != nil {
			return err
		}
		return sendBatch(ctx, cmd, a, batch)
	},
}

var liquidateCmd = &cobra.Command{
	Use:   "liquidate",
	Short: "Sell the whole token balance of every wallet",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if !common.IsHexAddress(tokenAddr) {
			return fmt.Errorf("%w: token address %q", bundler.ErrInvalidIntent, tokenAddr)
		}
		accounts, err := wallet.Load(walletsFile)
		if err != nil {
			return err
		}
		signers := make([]bundler.AccountSigner, len(accounts))
		for i, acc := range accounts {
			signers[i] = acc
		}

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		ok, err := confirm(cmd, fmt.Sprintf("Sell token %s from %d wallets?", tokenAddr, len(accounts)))
		if err != nil {
			return err
		}
		if !ok {
			return errAborted
		}

		out := cmd.OutOrStdout()
		for _, outcome := range a.bundler.Liquidate(ctx, signers, common.HexToAddress(tokenAddr)) {
			fmt.Fprintf(out, "%s  %s\n", outcome.Account.Hex(), outcome.Status)
		}
		return nil
	},
}

var trackCmd = &cobra.Command{
	Use:   "track",
	Short: "Follow a stored bundle until it settles",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		if a.db == nil {
			return errNoDatabase
		}

		handle, txs, err := a.db.LoadSubmitted(ctx, common.HexToHash(bundleHash))
		if err != nil {
			return err
		}
		report, err := a.bundler.Monitor.Track(ctx, handle, txs, printRecord(cmd.OutOrStdout()))
		printReport(cmd.OutOrStdout(), report)
		return err
	},
}

func init() {
	generateCmd.Flags().IntVarP(&walletCount, "count", "n", 10, "number of wallets")
	for _, c := range []*cobra.Command{generateCmd, fundCmd, launchCmd, liquidateCmd} {
		c.Flags().StringVar(&walletsFile, "wallets", "wallets.json", "wallets file")
	}

	fundCmd.Flags().StringVar(&funderKey, "funder-key", "", "private key of the funding account (env FUNDER_PRIVATE_KEY)")
	fundCmd.Flags().StringVar(&fundAmount, "amount", "", "ETH sent to every wallet")
	_ = fundCmd.MarkFlagRequired("amount")

	launchCmd.Flags().StringVar(&devKey, "dev-key", "", "private key of the token owner (env DEV_PRIVATE_KEY)")
	launchCmd.Flags().StringVar(&tokenAmount, "token-amount", "", "tokens added to the pool")
	launchCmd.Flags().StringVar(&ethAmount, "eth-amount", "", "ETH added to the pool")
	launchCmd.Flags().StringSliceVar(&buyAmounts, "buy", nil, "ETH spent by each wallet, one value for all or one per wallet")
	for _, name := range []string{"token-amount", "eth-amount", "buy"} {
		_ = launchCmd.MarkFlagRequired(name)
	}

	for _, c := range []*cobra.Command{launchCmd, liquidateCmd} {
		c.Flags().StringVar(&tokenAddr, "token", "", "token address")
		_ = c.MarkFlagRequired("token")
	}

	trackCmd.Flags().StringVar(&bundleHash, "bundle", "", "bundle hash")
	_ = trackCmd.MarkFlagRequired("bundle")

	cobra.OnInitialize(func() {
		if funderKey == "" {
			funderKey = os.Getenv("FUNDER_PRIVATE_KEY")
		}
		if devKey == "" {
			devKey = os.Getenv("DEV_PRIVATE_KEY")
		}
	})
}

func buyOrders(accounts []*wallet.Account, amounts []string) ([]bundler.BuyOrder, error) {
	if len(amounts) != 1 && len(amounts) != len(accounts) {
		return nil, errBuyMismatch
	}
	buys := make([]bundler.BuyOrder, len(accounts))
	for i, acc := range accounts {
		raw := amounts[0]
		if len(amounts) > 1 {
			raw = amounts[i]
		}
		value, err := bundler.ParseEther(raw)
		if err != nil {
			return nil, fmt.Errorf("buy amount %d: %w", i, err)
		}
		buys[i] = bundler.BuyOrder{Buyer: acc, Value: value}
	}
	return buys, nil
}

// sendBatch shows the bundle, asks for confirmation, submits it and follows it until it settles.
func sendBatch(ctx context.Context, cmd *cobra.Command, a *app, batch *bundler.Batch) error {
	out := cmd.OutOrStdout()
	printBundle(out, batch.Bundle)

	ok, err := confirm(cmd, fmt.Sprintf("Send bundle of %d transactions?", len(batch.Bundle.Txs)))
	if err != nil || !ok {
		batch.Abandon(ctx)
		if err != nil {
			return err
		}
		return errAborted
	}

	handle, err := batch.Submit(ctx)
	if err != nil {
		return err
	}
	a.log.Info("Bundle submitted", zap.String("bundleHash", handle.BundleHash.Hex()), zap.Strings("relays", handle.Relays))
	fmt.Fprintf(out, "bundle %s accepted by %s\n", handle.BundleHash.Hex(), strings.Join(handle.Relays, ", "))

	report, err := batch.Track(ctx, printRecord(out))
	printReport(out, report)
	return err
}

func confirm(cmd *cobra.Command, question string) (bool, error) {
	if opts.yes {
		return true, nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s [y/N] ", question)
	answer, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes", nil
}

func printBundle(out io.Writer, bundle *bundler.Bundle) {
	total := new(big.Int)
	for i, tx := range bundle.Txs {
		fmt.Fprintf(out, "%3d  %-13s %s  nonce %-4d value %s ETH\n", i, tx.Kind, tx.From.Hex(), tx.Nonce(), bundler.FormatEther(tx.Tx.Value()))
		total.Add(total, tx.Tx.Cost())
	}
	fmt.Fprintf(out, "max total cost %s ETH\n", bundler.FormatEther(total))
}

func printRecord(out io.Writer) func(bundler.SettlementRecord) {
	return func(rec bundler.SettlementRecord) {
		switch {
		case rec.Err != nil:
			fmt.Fprintf(out, "%-13s %s  %v\n", rec.Kind, rec.TxHash.Hex(), rec.Err)
		case rec.Success:
			fmt.Fprintf(out, "%-13s %s  confirmed in block %d, gas used %d\n", rec.Kind, rec.TxHash.Hex(), rec.BlockNumber, rec.GasUsed)
		default:
			fmt.Fprintf(out, "%-13s %s  reverted in block %d\n", rec.Kind, rec.TxHash.Hex(), rec.BlockNumber)
		}
	}
}

func printReport(out io.Writer, report *bundler.SettlementReport) {
	if report == nil {
		return
	}
	fmt.Fprintf(out, "%d/%d transactions confirmed", report.Confirmed(), len(report.Records))
	if report.TimedOut {
		fmt.Fprint(out, " (timed out)")
	}
	fmt.Fprintln(out)
}
