package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/corsproxy/corsproxy/internal/output"
	"github.com/corsproxy/corsproxy/internal/safety"
)

var checkCmd = &cobra.Command{
	Use:   "check <url>...",
	Short: "Check whether targets would be proxied",
	Long: `Run candidate target URLs through the same safety validator the proxy
uses and report which would be forwarded.

Hardening settings come from configuration unless overridden by flags.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)

	checkCmd.Flags().String("output", "table", "Output format: table, json, markdown")
	checkCmd.Flags().Bool("block-private", false, "Also reject private, link-local and reserved addresses")
	checkCmd.Flags().Bool("resolve", false, "Resolve hostnames when blocking private addresses")
}

func runCheck(cmd *cobra.Command, args []string) error {
	formatValue, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}
	format, err := output.ParseFormat(formatValue)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	validator := safety.NewValidator(safety.Options{
		BlockPrivateNetworks: cfg.Safety.BlockPrivateNetworks,
		ResolveHosts:         cfg.Safety.ResolveHosts,
	})

	report := checkTargets(cmd, validator, args)

	rendered, err := output.NewFormatter(format).FormatReport(report)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
	return err
}

func checkTargets(cmd *cobra.Command, validator *safety.Validator, targets []string) *output.Report {
	report := &output.Report{}
	for _, target := range targets {
		target = strings.TrimSpace(target)
		if target == "" {
			continue
		}
		reason := validator.Reason(cmd.Context(), target)
		report.Add(output.TargetResult{
			Target:  target,
			Allowed: reason == "",
			Reason:  reason,
		})
	}
	return report
}
