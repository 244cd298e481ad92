package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alovak/khqr-gateway/gateway"
	"github.com/alovak/khqr-gateway/gateway/models"
	"github.com/alovak/khqr-gateway/internal/expiry"
	"github.com/alovak/khqr-gateway/internal/gatewayclient"
)

func addGatewayFlag(cmd *cobra.Command) {
	cmd.Flags().String("gateway", "http://localhost:3000", "gateway base URL")
}

func client(cmd *cobra.Command) *gatewayclient.Client {
	base, _ := cmd.Flags().GetString("gateway")
	return gatewayclient.New(base, nil)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func issueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a payment code",
		Long: `Issue a payment code through a running gateway, or with --offline
build it locally from the merchant configuration without recording it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			currency, _ := cmd.Flags().GetString("currency")
			reference, _ := cmd.Flags().GetString("reference")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			req := models.CreatePayment{
				Currency:      currency,
				BillReference: reference,
				TTLSeconds:    int64(ttl / time.Second),
			}
			if cmd.Flags().Changed("amount") {
				amount, _ := cmd.Flags().GetInt64("amount")
				req.Amount = &amount
			}

			if offline, _ := cmd.Flags().GetBool("offline"); offline {
				path, _ := cmd.Flags().GetString("config")
				cfg, err := gateway.LoadConfig(path)
				if err != nil {
					return err
				}
				pr, err := gateway.NewService(cfg, nil, nil, nil, nil, nil, nil).Issue(cmd.Context(), req)
				if err != nil {
					return err
				}
				return printJSON(cmd, pr)
			}

			issued, err := client(cmd).Issue(cmd.Context(), req)
			if err != nil {
				return err
			}
			left := expiry.Remaining(issued.ExpiresAtTime(), time.Now()).Round(time.Second)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %s\n", left)
			return printJSON(cmd, issued)
		},
	}

	addGatewayFlag(cmd)
	cmd.Flags().Int64("amount", 0, "amount in minor units (configured default when unset)")
	cmd.Flags().String("currency", "", "KHR or USD")
	cmd.Flags().String("reference", "", "bill reference (generated when empty)")
	cmd.Flags().Duration("ttl", 0, "code lifetime (0 uses the configured default)")
	cmd.Flags().Bool("offline", false, "build the code locally instead of calling the gateway")

	return cmd
}

func checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <fingerprint>",
		Short: "Ask the gateway once whether a code has been paid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := client(cmd).CheckStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	addGatewayFlag(cmd)
	return cmd
}

func pollCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "poll <fingerprint>",
		Short: "Check a code repeatedly until it is paid or expires",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			interval, _ := cmd.Flags().GetDuration("interval")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			res, err := client(cmd).Poll(ctx, args[0], interval, func(r *models.CheckStatusResult) {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n", time.Now().Format(time.TimeOnly), r.Status)
			})
			if err != nil {
				return err
			}
			if res.Status != models.PaymentStatusSuccess {
				printJSON(cmd, res)
				return fmt.Errorf("payment code %s expired before it was paid", args[0])
			}
			return printJSON(cmd, res)
		},
	}

	addGatewayFlag(cmd)
	cmd.Flags().Duration("interval", 3*time.Second, "time between checks")
	cmd.Flags().Duration("timeout", 5*time.Minute, "give up after this long (0 waits forever)")

	return cmd
}
