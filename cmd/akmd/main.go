package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/TheusHen/AKM/akm"
	"github.com/TheusHen/AKM/akm/config"
)

// Config holds the command line configuration
type Config struct {
	ConfigFile string
}

// GenConfig holds the genconfig flags
type GenConfig struct {
	OutDir       string
	Nodes        int
	Relationship uint16
	Host         string
	BasePort     uint16
	Transport    string
}

func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "akmd",
		Short: "AKM relationship node",
		Long: `akmd runs one node of one or more AKM secure relationships.

It listens for encrypted frames from the other nodes of each relationship,
keeps a connection open to every configured peer, and stores a snapshot of
the rotated keys whenever the relationship configuration changes so it can
resume after a restart.`,
		Example: `  # Start a node
  akmd -f node1.toml

  # Generate configuration for a three node relationship
  akmd genconfig -n 3 -o ./testnet`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "f", "akm.toml",
		"path to the node configuration file (TOML format)")

	cmd.AddCommand(newGenConfigCommand())
	return cmd
}

func newGenConfigCommand() *cobra.Command {
	var g GenConfig

	cmd := &cobra.Command{
		Use:   "genconfig",
		Short: "Generate node configurations for a new relationship",
		RunE: func(cmd *cobra.Command, args []string) error {
			return genConfig(g)
		},
	}
	cmd.Flags().StringVarP(&g.OutDir, "out", "o", ".", "output directory")
	cmd.Flags().IntVarP(&g.Nodes, "nodes", "n", 2, "number of nodes")
	cmd.Flags().Uint16VarP(&g.Relationship, "relationship", "r", 1, "relationship id")
	cmd.Flags().StringVar(&g.Host, "host", "127.0.0.1", "address every node listens on")
	cmd.Flags().Uint16Var(&g.BasePort, "port", 7800, "port of the first node")
	cmd.Flags().StringVarP(&g.Transport, "transport", "t", config.TransportTCP, "tcp or quic")
	return cmd
}

func main() {
	rootCmd := newRootCommand()

	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}

func genConfig(g GenConfig) error {
	host, err := netip.ParseAddr(g.Host)
	if err != nil {
		return fmt.Errorf("invalid host '%v': %v", g.Host, err)
	}
	cfgs, err := config.Generate(g.Relationship, g.Nodes, host, g.BasePort, g.Transport)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(g.OutDir, 0700); err != nil {
		return err
	}
	for i, cfg := range cfgs {
		f := filepath.Join(g.OutDir, fmt.Sprintf("node%d.toml", i+1))
		if err := config.Store(cfg, f); err != nil {
			return fmt.Errorf("failed to write '%v': %v", f, err)
		}
		fmt.Println(f)
	}
	return nil
}

func runNode(cfg Config) error {
	nodeCfg, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", cfg.ConfigFile, err)
	}

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	n, err := akm.New(nodeCfg)
	if err != nil {
		return fmt.Errorf("failed to spawn node instance: %v", err)
	}
	defer n.Shutdown()
	if err := n.Start(); err != nil {
		return fmt.Errorf("failed to start node: %v", err)
	}

	// Halt the node gracefully on SIGINT/SIGTERM.
	go func() {
		<-haltCh
		n.Shutdown()
	}()

	// Rotate node logs upon SIGHUP.
	go func() {
		for range rotateCh {
			if err := n.RotateLog(); err != nil {
				fmt.Fprintf(os.Stderr, "failed to rotate log: %v\n", err)
			}
		}
	}()

	n.Wait()
	return nil
}
