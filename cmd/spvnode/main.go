package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"spvclient/core"
	"spvclient/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{Use: "spvnode"}
	rootCmd.AddCommand(connectCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(balanceCmd())
	rootCmd.AddCommand(feeCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newSupervisor loads configuration via pkg/config and builds a core
// supervisor backed by an in-memory header store rooted at the configured
// network's genesis block.
func newSupervisor() (*core.Supervisor, error) {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	coreCfg, err := cfg.ToCoreConfig()
	if err != nil {
		return nil, fmt.Errorf("build core config: %w", err)
	}
	if coreCfg.CertDir == "" {
		coreCfg.CertDir = "certs"
	}

	params := netParamsFor(coreCfg.Net.Name)
	genesis := *params.GenesisHash
	store := core.NewMemoryStore(genesis)
	bus := core.NewEventBus()
	return core.NewSupervisor(coreCfg, store, bus), nil
}

func netParamsFor(name string) *chaincfg.Params {
	switch name {
	case "testnet3":
		return &chaincfg.TestNet3Params
	case "regtest":
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.MainNetParams
	}
}

func connectCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "connect <host:port[:protocol]>",
		Short: "connect to a server and wait for it to become ready",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sup, err := newSupervisor()
			if err != nil {
				return err
			}
			defer sup.Shutdown()

			addr, err := core.ServerAddrFromString(args[0])
			if err != nil {
				return fmt.Errorf("parse server address: %w", err)
			}
			iface, err := sup.Connect(addr)
			if err != nil {
				return err
			}
			return waitReady(iface, timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for readiness")
	return cmd
}

func waitReady(iface *core.Interface, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if iface.IsReady() {
			fmt.Printf("%s ready at height %d\n", iface.Server().FriendlyName(), iface.Height())
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for %s to become ready", iface.Server().FriendlyName())
		}
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <host:port[:protocol]>",
		Short: "connect and print sync state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sup, err := newSupervisor()
			if err != nil {
				return err
			}
			defer sup.Shutdown()

			addr, err := core.ServerAddrFromString(args[0])
			if err != nil {
				return fmt.Errorf("parse server address: %w", err)
			}
			iface, err := sup.Connect(addr)
			if err != nil {
				return err
			}
			if err := waitReady(iface, 30*time.Second); err != nil {
				return err
			}
			banner, err := iface.ServerBanner(context.Background())
			if err != nil {
				logrus.WithError(err).Warn("server.banner failed")
			}
			fmt.Printf("height=%d banner=%q\n", iface.Height(), banner)
			return nil
		},
	}
}

func balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance <host:port[:protocol]> <scripthash>",
		Short: "print confirmed/unconfirmed balance for a scripthash",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sup, err := newSupervisor()
			if err != nil {
				return err
			}
			defer sup.Shutdown()

			addr, err := core.ServerAddrFromString(args[0])
			if err != nil {
				return fmt.Errorf("parse server address: %w", err)
			}
			iface, err := sup.Connect(addr)
			if err != nil {
				return err
			}
			if err := waitReady(iface, 30*time.Second); err != nil {
				return err
			}
			confirmed, unconfirmed, err := iface.GetBalance(context.Background(), args[1])
			if err != nil {
				return err
			}
			fmt.Printf("confirmed=%d unconfirmed=%d\n", confirmed, unconfirmed)
			return nil
		},
	}
}

func feeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fee <host:port[:protocol]> <n>",
		Short: "estimate the fee rate for confirmation within n blocks",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var n int
			if _, err := fmt.Sscanf(args[1], "%d", &n); err != nil {
				return fmt.Errorf("parse block count: %w", err)
			}
			sup, err := newSupervisor()
			if err != nil {
				return err
			}
			defer sup.Shutdown()

			addr, err := core.ServerAddrFromString(args[0])
			if err != nil {
				return fmt.Errorf("parse server address: %w", err)
			}
			iface, err := sup.Connect(addr)
			if err != nil {
				return err
			}
			if err := waitReady(iface, 30*time.Second); err != nil {
				return err
			}
			satPerKB, err := iface.EstimateFee(context.Background(), n)
			if err != nil {
				return err
			}
			if satPerKB < 0 {
				fmt.Println("cannot estimate")
				return nil
			}
			fmt.Printf("%d sat/kb\n", satPerKB)
			return nil
		},
	}
}
