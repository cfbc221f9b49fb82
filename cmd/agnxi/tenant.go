package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agnxi/agnxi/internal/config"
	"github.com/agnxi/agnxi/internal/store"
)

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}
	cmd.AddCommand(tenantCreateCmd(), tenantGetCmd())
	return cmd
}

func tenantCreateCmd() *cobra.Command {
	var (
		name string
		slug string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || slug == "" {
				return fmt.Errorf("--name and --slug are required")
			}

			pgStore, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer pgStore.Close()

			tenant := store.NewTenant(name, slug)
			if err := pgStore.CreateTenant(context.Background(), tenant); err != nil {
				return err
			}
			return printJSON(tenant)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Tenant display name")
	cmd.Flags().StringVar(&slug, "slug", "", "Tenant slug")
	return cmd
}

func tenantGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pgStore, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer pgStore.Close()

			tenant, err := pgStore.GetTenant(context.Background(), args[0])
			if err != nil {
				return err
			}
			return printJSON(tenant)
		},
	}
}

func openStore(cmd *cobra.Command) (*store.PostgresStore, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	config.LoadFromEnv(cfg)
	if cmd.Flags().Changed("pg-dsn") {
		cfg.Postgres.DSN = pgDSN
	}

	pgStore, err := store.NewPostgresStore(context.Background(), cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pgStore, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
