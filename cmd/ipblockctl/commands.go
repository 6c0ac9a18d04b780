package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JeanGrijp/ipblock/internal/app"
	"github.com/JeanGrijp/ipblock/internal/config"
	"github.com/JeanGrijp/ipblock/internal/core/domain"
	"github.com/JeanGrijp/ipblock/internal/core/services"
	"github.com/JeanGrijp/ipblock/internal/logging"
)

type rootOptions struct {
	configPath  string
	storageFile string
	logLevel    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "ipblockctl",
		Short: "Manage blocked IP addresses",
		Long: `ipblockctl reads and edits the block list shared with the ipblock server.

It uses the same configuration as the server: .env, IPBLOCK_CONFIG_FILE and
the IPBLOCK_* environment variables. Changes are visible to running servers
on their next lookup.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file (overrides IPBLOCK_CONFIG_FILE)")
	root.PersistentFlags().StringVar(&opts.storageFile, "storage-file", "", "block list file (overrides storage_file)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	root.AddCommand(
		newBlockCmd(opts),
		newUnblockCmd(opts),
		newListCmd(opts),
		newCheckCmd(opts),
	)
	return root
}

// withService loads configuration, builds a service without background work
// and runs fn against it.
func withService(cmd *cobra.Command, opts *rootOptions, fn func(svc *services.IPBlockService) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if opts.configPath != "" {
		ipblock, err := config.LoadIPBlock(opts.configPath)
		if err != nil {
			return err
		}
		cfg.IPBlock = ipblock
		cfg.ConfigFile = opts.configPath
	}
	if opts.storageFile != "" {
		cfg.IPBlock.StorageFile = opts.storageFile
	}

	logger, err := logging.New(logging.Config{Level: opts.logLevel}, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	svc, cleanup, err := app.BuildService(cfg, logger.With("component", "ipblockctl"), services.WithoutJanitor())
	if err != nil {
		return err
	}
	defer cleanup()

	return fn(svc)
}

func newBlockCmd(opts *rootOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "block <ip>",
		Short: "Block an IP address for the configured TTL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, opts, func(svc *services.IPBlockService) error {
				entry, err := svc.BlockIP(cmd.Context(), args[0], reason, domain.SourceCLI)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "blocked %s until %s (%s)\n",
					entry.IP, entry.ExpiresAt.Format(time.RFC3339), entry.Reason)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", domain.ReasonManual, "reason recorded with the block")
	return cmd
}

func newUnblockCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unblock <ip>",
		Short: "Remove a stored block (manual_deny entries are unaffected)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, opts, func(svc *services.IPBlockService) error {
				if err := svc.UnblockIP(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "unblocked %s\n", args[0])
				return nil
			})
		},
	}
}

func newListCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active blocks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd, opts, func(svc *services.IPBlockService) error {
				entries, err := svc.BlockedEntries(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					if entries == nil {
						entries = []domain.BlockEntry{}
					}
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(entries)
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "IP\tREASON\tSOURCE\tEXPIRES")
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.IP, e.Reason, e.Source, e.ExpiresAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON")
	return cmd
}

func newCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check <ip>",
		Short: "Report whether an IP is blocked or allow-listed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, opts, func(svc *services.IPBlockService) error {
				ip := args[0]
				state := "not blocked"
				switch {
				case svc.IsAllowListedIP(ip):
					state = "allow-listed"
				case svc.IsBlockedIP(cmd.Context(), ip):
					state = "blocked"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", ip, state)
				return nil
			})
		},
	}
}

