package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-credit/internal/credit"
)

func init() {
	rootCmd.AddCommand(limitCmd)
	limitCmd.AddCommand(limitShowCmd)
	limitCmd.AddCommand(limitSetCmd)

	limitShowCmd.Flags().Int64("client", 0, "Client id (required)")

	f := limitSetCmd.Flags()
	f.Int64("client", 0, "Client id (required)")
	f.Float64("amount", 0, "New limit amount")
	f.Bool("default", false, "Open a missing limit at the configured default amount")
	f.Int64("actor", 0, "Acting user id (required)")
	f.String("notes", "", "Notes stored on the limit")
}

var limitCmd = &cobra.Command{
	Use:   "limit",
	Short: "Inspect and set client credit limits",
}

var limitShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print a client's limit and derived status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		clientID, _ := cmd.Flags().GetInt64("client")
		if clientID <= 0 {
			return errors.New("--client is required")
		}
		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()
		limit, err := rt.Service.GetLimit(cmd.Context(), clientID)
		if err != nil {
			return err
		}
		return printLimit(cmd, limit)
	},
}

var limitSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Create or change a client's limit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		clientID, _ := flags.GetInt64("client")
		actor, _ := flags.GetInt64("actor")
		amount, _ := flags.GetFloat64("amount")
		if clientID <= 0 {
			return errors.New("--client is required")
		}
		if actor <= 0 {
			return errors.New("--actor is required")
		}
		useDefault, _ := flags.GetBool("default")
		if useDefault == flags.Changed("amount") {
			return errors.New("exactly one of --amount or --default is required")
		}
		in := credit.SetLimitInput{ClientID: clientID, LimitAmount: amount, Actor: actor, UseDefault: useDefault}
		if flags.Changed("notes") {
			notes, _ := flags.GetString("notes")
			in.Notes = &notes
		}

		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()
		change, err := rt.Service.SetLimit(cmd.Context(), in)
		if err != nil {
			return err
		}
		return printLimit(cmd, change.Limit)
	},
}

func printLimit(cmd *cobra.Command, limit *credit.CreditLimit) error {
	out := cmd.OutOrStdout()
	if jsonOutput(cmd) {
		return printJSON(out, limit)
	}
	fmt.Fprintf(out, "client=%d limit=%.2f used=%.2f available=%.2f status=%s display=%s version=%d\n",
		limit.ClientID, limit.LimitAmount, limit.UsedAmount, limit.AvailableAmount,
		limit.Status, credit.ClassifyStatus(limit).Status, limit.Version)
	return nil
}
