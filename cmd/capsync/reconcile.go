package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run a single reconcile pass and drain the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		return reconcileOnce()
	},
}

func reconcileOnce() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, pool, eng, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	sum, err := eng.Reconcile(ctx)
	if err != nil {
		return err
	}
	// The pass only enqueues work; process it before reporting.
	if err := eng.Drain(ctx); err != nil {
		return err
	}

	out, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
