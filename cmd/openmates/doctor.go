package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/openmates/core/internal/config"
	"github.com/openmates/core/internal/queue"
	"github.com/openmates/core/internal/skills"
	"github.com/openmates/core/internal/store"
	"github.com/openmates/core/internal/vault"
)

func buildDoctorCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the environment the core needs before serving",
		Long: `Verify the configuration, the transit keystore (including system
keys), Redis, the record store, and the skill registry. Exits non-zero
when any required check fails.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd.Context(), cmd.OutOrStdout(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "core.yaml", "Path to YAML configuration file")
	return cmd
}

func runDoctor(ctx context.Context, out io.Writer, configPath string) error {
	_ = godotenv.Load()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	failed := false
	check := func(name string, err error) {
		if err != nil {
			failed = true
			fmt.Fprintf(out, "  FAIL %s: %v\n", name, err)
			return
		}
		fmt.Fprintf(out, "  ok   %s\n", name)
	}

	cfg, err := config.Load(configPath)
	check("config", err)
	if err != nil {
		return errors.New("doctor: config unusable, skipping remaining checks")
	}
	fmt.Fprintf(out, "  ok   environment: %s\n", cfg.Environment)

	vaultClient, err := vault.New(vault.Config{
		URL:       cfg.Vault.URL,
		TokenFile: cfg.Vault.TokenFile,
	}, nil)
	check("vault client", err)
	if err == nil {
		check("vault system keys", vaultClient.EnsureSystemKeys(ctx))
	}

	q := queue.New(cfg.Redis, nil)
	defer q.Close()
	check("redis", q.Ping(ctx))

	repos := store.NewDirectus(cfg.Store, nil).Repos()
	if _, err := repos.Users.GetProfile(ctx, "doctor-probe"); err != nil && !errors.Is(err, store.ErrNotFound) {
		check("record store", err)
	} else {
		check("record store", nil)
	}

	reg, err := skills.LoadRegistry(cfg.Skills.Root, cfg.Environment, nil)
	check("skill registry", err)
	if err == nil {
		fmt.Fprintf(out, "       skills: %v\n", reg.Keys())
	}

	if failed {
		return errors.New("doctor: one or more checks failed")
	}
	fmt.Fprintln(out, "All checks passed.")
	return nil
}
