package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loykin/vktunnel/internal/config"
)

func createConfigCommand(globalFlags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or inspect the configuration",
	}
	initFlags := &ConfigInitFlags{}
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a commented default configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.WriteDefault(initFlags.Path, initFlags.Force); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", initFlags.Path)
			return nil
		},
	}
	initCmd.Flags().StringVarP(&initFlags.Path, "output", "o", "vktunnel.toml", "file to write")
	initCmd.Flags().BoolVar(&initFlags.Force, "force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Read(globalFlags.ConfigPath)
			if err != nil {
				return err
			}
			b, err := config.Marshal(cfg.Redacted())
			if err != nil {
				return err
			}
			_, _ = cmd.OutOrStdout().Write(b)
			if err := cfg.Validate(); err != nil {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "\nconfiguration is not valid for serve:\n%v\n", err)
			}
			return nil
		},
	}
	cmd.AddCommand(initCmd, showCmd)
	return cmd
}
