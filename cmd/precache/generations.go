package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"precache/internal/precache"
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install and activate the configured release, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := precache.NewService(cfg, logger)
		if err != nil {
			return fmt.Errorf("init service: %w", err)
		}
		defer svc.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := svc.Deploy(ctx, cfg.Release()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", cfg.GenerationName(), svc.Lifecycle().State())
		return nil
	},
}

var generationsCmd = &cobra.Command{
	Use:   "generations",
	Short: "Inspect stored cache generations",
}

var generationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cache generations and their entry counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		storage, err := precache.OpenStorage(cfg, logger)
		if err != nil {
			return err
		}
		defer storage.Close()

		names, err := storage.Keys()
		if err != nil {
			return err
		}
		current := cfg.GenerationName()
		for _, name := range names {
			cache, err := storage.Open(name)
			if err != nil {
				return err
			}
			keys, err := cache.Keys()
			if err != nil {
				return err
			}
			mark := " "
			if name == current {
				mark = "*"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\t%d\n", mark, name, len(keys))
		}
		return nil
	},
}

var generationsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete every generation except the configured one",
	RunE: func(cmd *cobra.Command, args []string) error {
		storage, err := precache.OpenStorage(cfg, logger)
		if err != nil {
			return err
		}
		defer storage.Close()

		lc := precache.NewLifecycle(storage, nil, precache.LifecycleOptions{Logger: logger})
		for _, name := range lc.Sweep(cfg.GenerationName()) {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}
