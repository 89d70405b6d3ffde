package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"appdatabackupd/internal/backup"
	"appdatabackupd/internal/bus"
	"appdatabackupd/internal/state/paths"
)

func busClient(root *rootFlags) (*bus.Client, error) {
	cfg, err := loadConfig(root)
	if err != nil {
		return nil, err
	}
	dir := cfg.Bus.Dir
	if dir == "" {
		dir = paths.BusDir()
	}
	return bus.New(dir, nopLogger).Client(), nil
}

func newCallCmd(root *rootFlags) *cobra.Command {
	var (
		output  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "call <uri> [json]",
		Short: "Call a bus method, e.g. luna://com.palm.appDataBackup/preBackup '{}'",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := []byte("{}")
			if len(args) == 2 {
				payload = []byte(args[1])
			}
			client, err := busClient(root)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			reply, err := client.Call(ctx, args[0], payload)
			if err != nil {
				return err
			}
			return renderReply(cmd.OutOrStdout(), reply, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "json", "Output format (json, yaml)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Time to wait for a reply")
	return cmd
}

func newHealthCmd(root *rootFlags) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show the running participant's component health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := busClient(root)
			if err != nil {
				return err
			}
			defer client.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			body, err := client.Get(ctx, backup.ServiceName, "/health")
			if err != nil {
				return err
			}
			return renderReply(cmd.OutOrStdout(), body, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "json", "Output format (json, yaml)")
	return cmd
}

// renderReply prints a JSON reply indented, or converted to YAML.
func renderReply(w io.Writer, reply []byte, format string) error {
	var doc any
	if err := json.Unmarshal(reply, &doc); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	switch format {
	case "", "json":
		out, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(out))
		return err
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
