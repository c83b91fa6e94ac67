package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/loykin/vktunnel/internal/admin"
	"github.com/loykin/vktunnel/internal/config"
)

func createAdminCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &AdminFlags{}
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage the Telegram admin allow-list",
		Long: `Operate on the admin store directly. The running daemon picks up changes
to admins.json automatically; SQL stores are read on every command.`,
	}
	cmd.PersistentFlags().StringVar(&flags.Store, "store", "", "admin store path or DSN (default from [admin])")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List admins",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				reg, closeFn, err := openRegistry(cmd.Context(), globalFlags, flags)
				if err != nil {
					return err
				}
				defer closeFn()
				ids, err := reg.List(cmd.Context())
				if err != nil {
					return err
				}
				for _, id := range ids {
					suffix := ""
					if id == reg.Owner() {
						suffix = " (owner)"
					}
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d%s\n", id, suffix)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "add USER_ID",
			Short: "Grant admin rights",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				reg, closeFn, err := openRegistry(cmd.Context(), globalFlags, flags)
				if err != nil {
					return err
				}
				defer closeFn()
				if err := reg.Add(cmd.Context(), id); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "added %d\n", id)
				return nil
			},
		},
		&cobra.Command{
			Use:   "remove USER_ID",
			Short: "Revoke admin rights",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				reg, closeFn, err := openRegistry(cmd.Context(), globalFlags, flags)
				if err != nil {
					return err
				}
				defer closeFn()
				if err := reg.Remove(cmd.Context(), id); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %d\n", id)
				return nil
			},
		},
	)
	return cmd
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("USER_ID must be a positive number, got %q", s)
	}
	return id, nil
}

func openRegistry(ctx context.Context, globalFlags *GlobalFlags, flags *AdminFlags) (*admin.Registry, func(), error) {
	cfg, err := config.Read(globalFlags.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	target := flags.Store
	if target == "" {
		target = cfg.Admin.Store
	}
	s, err := admin.Open(target)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() { _ = s.Close() }
	reg, err := admin.NewRegistry(ctx, s, cfg.Telegram.OwnerID)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return reg, closeFn, nil
}
