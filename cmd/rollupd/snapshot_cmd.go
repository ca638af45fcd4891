package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/emberlane/rollupd/internal/config"
	"github.com/emberlane/rollupd/internal/snapshot"
	"github.com/emberlane/rollupd/internal/ui"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspect and bootstrap the snapshot store",
}

func init() {
	snapshotCmd.AddCommand(snapshotShowCmd)
	snapshotCmd.AddCommand(snapshotInitCmd)
}

// fsManagerFromConfig loads config and opens the fs snapshot store. The
// inspection commands only operate on the fs backend; remote backends are
// inspected with their own tooling.
func fsManagerFromConfig() (*snapshot.FSManager, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.SnapshotBackend != config.BackendFS {
		return nil, fmt.Errorf("snapshot commands require the fs backend (got %q)", cfg.SnapshotBackend)
	}
	return snapshot.NewFSManager(cfg.SnapshotDir)
}

var snapshotShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the latest snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := fsManagerFromConfig()
		if err != nil {
			return err
		}
		snap, err := m.GetLatest(cmd.Context())
		if errors.Is(err, snapshot.ErrNoSnapshot) {
			fmt.Println(ui.Style("no snapshot yet; run `rollupd snapshot init` to bootstrap", ui.Dim))
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s %d\n", ui.Style("epoch:", ui.Bold), snap.Epoch)
		fmt.Printf("%s %s\n", ui.Style("path: ", ui.Bold), snap.Path)
		return nil
	},
}

var snapshotInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the genesis snapshot for a fresh deployment",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := fsManagerFromConfig()
		if err != nil {
			return err
		}
		snap, err := m.Bootstrap(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("%s epoch %d at %s\n", ui.Style("latest snapshot:", ui.Green), snap.Epoch, snap.Path)
		return nil
	},
}
