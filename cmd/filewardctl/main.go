// Package main — cmd/filewardctl/main.go
//
// filewardctl is a thin client over the operator control-plane Unix socket:
// it marshals one JSON request, writes it to the socket, and prints the
// JSON response.
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var socketPath string

func main() {
	root := &cobra.Command{
		Use:   "filewardctl",
		Short: "Control and inspect a running fileward daemon",
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", "/run/fileward/operator.sock", "Operator socket path")

	root.AddCommand(
		statusCmd(),
		scanNowCmd(),
		quarantineListCmd(),
		quarantineRestoreCmd(),
		installModeActivateCmd(),
		installModeStatusCmd(),
		exclusionsAddCmd(),
		exclusionsListCmd(),
		listLedgerCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show orchestrator health and component states",
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(map[string]any{"cmd": "status"})
		},
	}
}

func scanNowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan-now",
		Short: "Bypass due-time evaluation and run a scan immediately",
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(map[string]any{"cmd": "scan-now"})
		},
	}
}

func quarantineListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quarantine-list",
		Short: "List quarantined payloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(map[string]any{"cmd": "quarantine-list"})
		},
	}
}

func quarantineRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quarantine-restore <quarantined-path>",
		Short: "Restore a quarantined payload to its original location",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(map[string]any{"cmd": "quarantine-restore", "quarantined_path": args[0]})
		},
	}
}

func installModeActivateCmd() *cobra.Command {
	var minutes int
	cmd := &cobra.Command{
		Use:   "installmode-activate",
		Short: "Activate installation mode for a bounded duration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(map[string]any{"cmd": "installmode-activate", "duration_minutes": minutes})
		},
	}
	cmd.Flags().IntVar(&minutes, "minutes", 10, "Duration in minutes")
	return cmd
}

func installModeStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "installmode-status",
		Short: "Show whether installation mode is active",
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(map[string]any{"cmd": "installmode-status"})
		},
	}
}

func exclusionsAddCmd() *cobra.Command {
	var path, ext string
	cmd := &cobra.Command{
		Use:   "exclusions-add",
		Short: "Add a user exclusion path or extension",
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(map[string]any{"cmd": "exclusions-add", "path": path, "extension": ext})
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "Path to exclude")
	cmd.Flags().StringVar(&ext, "extension", "", "Extension to exclude")
	return cmd
}

func exclusionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exclusions-list",
		Short: "List current user exclusions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(map[string]any{"cmd": "exclusions-list"})
		},
	}
}

func listLedgerCmd() *cobra.Command {
	var since string
	var limit int
	cmd := &cobra.Command{
		Use:   "list-ledger",
		Short: "Query the audit ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(map[string]any{"cmd": "list-ledger", "since": since, "limit": limit})
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "RFC3339 timestamp lower bound")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum entries to return")
	return cmd
}

func send(req map[string]any) error {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connect %q: %w", socketPath, err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	var resp map[string]any
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
