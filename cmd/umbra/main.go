// Package main provides the CLI entry point for the Umbra client.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/umbralabs/umbra/internal/certutil"
	"github.com/umbralabs/umbra/internal/config"
	"github.com/umbralabs/umbra/internal/control"
	"github.com/umbralabs/umbra/internal/identity"
	"github.com/umbralabs/umbra/internal/node"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "umbra",
		Short: "Umbra - Multiplexed anonymity tunnel client",
		Long: `Umbra builds multi-hop onion-encrypted circuits and multiplexes
application streams over them in fixed-size cells.

Several circuits can be linked into one traffic-splitting set that
spreads the stream load across legs while delivering data in order.`,
		Version: Version,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(legsCmd())
	rootCmd.AddCommand(retireCmd())
	rootCmd.AddCommand(certCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new node",
		Long:  "Initialize a new node by creating the data directory and generating an identity.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if identity.Exists(dataDir) {
				id, err := identity.Load(dataDir)
				if err != nil {
					return fmt.Errorf("failed to load existing identity: %w", err)
				}
				fmt.Printf("Node already initialized in %s\n", dataDir)
				fmt.Printf("Node ID: %s\n", id.String())
				return nil
			}

			id, _, err := identity.LoadOrCreate(dataDir)
			if err != nil {
				return fmt.Errorf("failed to initialize node: %w", err)
			}

			fmt.Printf("Node initialized in %s\n", dataDir)
			fmt.Printf("Node ID: %s\n", id.String())
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory for persistent state")

	return cmd
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the tunnel client",
		Long:  "Build the configured legs and keep the tunnel up until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			n, err := node.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}

			fmt.Printf("Starting Umbra...\n")
			fmt.Printf("Node ID: %s\n", n.ID().String())

			startCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			err = n.Start(startCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("failed to start node: %w", err)
			}

			fmt.Printf("Status: running (legs: %d)\n", len(n.GetLegInfo()))

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
			case <-n.Done():
				fmt.Println("\nTunnel closed, shutting down...")
			}

			n.Stop()
			fmt.Println("Node stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func statusCmd() *cobra.Command {
	var socket string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show node status",
		Long:  "Display the status of a running node over its control socket.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := control.NewClient(socket)
			defer client.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			status, err := client.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to query node: %w", err)
			}

			fmt.Printf("Node ID: %s\n", status.NodeID)
			fmt.Printf("Running: %v\n", status.Running)
			if !status.StartedAt.IsZero() {
				fmt.Printf("Up since: %s (%s)\n",
					status.StartedAt.Format(time.RFC3339),
					humanize.Time(status.StartedAt))
			}
			fmt.Printf("Legs: %d\n", status.LegCount)
			return nil
		},
	}

	cmd.Flags().StringVarP(&socket, "socket", "s", "./data/control.sock", "Path to the control socket")

	return cmd
}

func legsCmd() *cobra.Command {
	var socket string

	cmd := &cobra.Command{
		Use:   "legs",
		Short: "List tunnel legs",
		Long:  "Display every leg of a running node with its state, depth and load.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := control.NewClient(socket)
			defer client.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			legs, err := client.Legs(ctx)
			if err != nil {
				return fmt.Errorf("failed to query node: %w", err)
			}

			if len(legs.Legs) == 0 {
				fmt.Println("No legs.")
				return nil
			}

			fmt.Printf("%-4s %-16s %-5s %-8s %s\n", "ID", "STATE", "HOPS", "RTT", "STREAMS")
			for _, leg := range legs.Legs {
				fmt.Printf("%-4d %-16s %-5d %-8s %d\n",
					leg.ID, leg.State, leg.Hops,
					fmt.Sprintf("%dms", leg.RTTMs), leg.Streams)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&socket, "socket", "s", "./data/control.sock", "Path to the control socket")

	return cmd
}

func retireCmd() *cobra.Command {
	var socket string

	cmd := &cobra.Command{
		Use:   "retire <leg-id>",
		Short: "Retire a tunnel leg",
		Long:  "Exclude a leg from sending so its circuit can drain and close.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid leg id %q", args[0])
			}

			client := control.NewClient(socket)
			defer client.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := client.RetireLeg(ctx, id); err != nil {
				return fmt.Errorf("failed to retire leg: %w", err)
			}

			fmt.Printf("Leg %d retired.\n", id)
			return nil
		},
	}

	cmd.Flags().StringVarP(&socket, "socket", "s", "./data/control.sock", "Path to the control socket")

	return cmd
}

func certCmd() *cobra.Command {
	var (
		commonName string
		certPath   string
		keyPath    string
		days       int
	)

	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Generate a TLS certificate",
		Long:  "Generate a self-signed EC certificate for a relay-facing transport.",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := certutil.DefaultServerOptions(commonName)
			opts.ValidFor = time.Duration(days) * 24 * time.Hour

			cert, err := certutil.GenerateCert(opts)
			if err != nil {
				return fmt.Errorf("failed to generate certificate: %w", err)
			}

			if err := cert.SaveToFiles(certPath, keyPath); err != nil {
				return fmt.Errorf("failed to save certificate: %w", err)
			}

			fmt.Printf("Certificate written to %s\n", certPath)
			fmt.Printf("Key written to %s\n", keyPath)
			fmt.Printf("Fingerprint: %s\n", cert.Fingerprint())
			return nil
		},
	}

	cmd.Flags().StringVar(&commonName, "cn", "umbra", "Certificate common name")
	cmd.Flags().StringVar(&certPath, "cert", "./cert.pem", "Certificate output path")
	cmd.Flags().StringVar(&keyPath, "key", "./key.pem", "Key output path")
	cmd.Flags().IntVar(&days, "days", 365, "Validity period in days")

	return cmd
}
