package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/open-notebook/vmgate/internal/api"
	"github.com/open-notebook/vmgate/internal/config"
	"github.com/open-notebook/vmgate/internal/gate"
	"github.com/open-notebook/vmgate/internal/store"
	"github.com/open-notebook/vmgate/pkg/log"
)

var (
	cfg        config.Config
	configPath string
)

func main() {
	root := &cobra.Command{
		Use:           "vmgate",
		Short:         "Control the database VM lifecycle gate",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configPath)
			return err
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to the config file (default ~/.vmgate/config.yaml)")

	root.AddCommand(
		statusCmd(),
		startCmd(),
		stopCmd(),
		watchCmd(),
		setupCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// --- status ---

func statusCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current database VM status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(cfg.API.BaseURL)
			snap, err := client.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("fetching status: %w", err)
			}

			switch output {
			case "json":
				return printJSON(snap)
			case "yaml":
				return printYAML(snap)
			default:
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintf(w, "VM:\t%s (%s/%s)\n", snap.Config.Name, snap.Config.Project, snap.Config.Zone)
				fmt.Fprintf(w, "Status:\t%s\n", snap.Status)
				fmt.Fprintf(w, "Raw:\t%s\n", snap.RawStatus)
				fmt.Fprintf(w, "Checked:\t%s\n", snap.CheckedAt.Local().Format(time.RFC3339))
				return w.Flush()
			}
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table, json or yaml")
	return cmd
}

// --- start ---

func startCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start or resume the database VM",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(cfg.API.BaseURL)
			resp, err := client.Start(cmd.Context())
			if err != nil {
				return fmt.Errorf("start failed: %w", err)
			}

			switch output {
			case "json":
				return printJSON(resp)
			case "yaml":
				return printYAML(resp)
			}

			switch {
			case resp.PreviousStatus == api.StatusRunning:
				fmt.Println("VM is already running")
			case resp.Action == "resume":
				fmt.Printf("Resuming VM %s (was %s)\n", resp.Config.Name, resp.PreviousStatus)
			default:
				fmt.Printf("Starting VM %s (was %s)\n", resp.Config.Name, resp.PreviousStatus)
			}
			if resp.Operation != nil {
				fmt.Printf("Operation: %s (%s)\n", resp.Operation.Name, resp.Operation.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table, json or yaml")
	return cmd
}

// --- stop ---

func stopCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Suspend the database VM (falls back to a hard stop)",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(cfg.API.BaseURL)
			resp, err := client.Stop(cmd.Context())
			if err != nil {
				return fmt.Errorf("stop failed: %w", err)
			}

			switch output {
			case "json":
				return printJSON(resp)
			case "yaml":
				return printYAML(resp)
			}

			switch {
			case resp.PreviousStatus == api.StatusStopped || resp.PreviousStatus == api.StatusSuspending:
				fmt.Printf("VM is already %s\n", resp.PreviousStatus)
			default:
				fmt.Printf("Requested %s of VM %s (was %s)\n", resp.Action, resp.Config.Name, resp.PreviousStatus)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table, json or yaml")
	return cmd
}

// --- watch ---

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run the gate locally and stream state changes until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Init(&cfg.Log)
			defer log.Sync()

			st, err := store.OpenBolt(cfg.Gate.StorePath)
			if err != nil {
				return fmt.Errorf("opening state store: %w", err)
			}
			defer st.Close()

			ctrl, err := gate.New(gate.Options{
				Client:           api.NewClient(cfg.API.BaseURL),
				Store:            st,
				Logger:           log.Default().WithName("gate"),
				PollInterval:     cfg.Gate.PollInterval(),
				ProgressTick:     cfg.Gate.ProgressTick(),
				FreshnessCeiling: cfg.Gate.FreshnessCeiling(),
				EstimatedStart:   time.Duration(cfg.VM.EstimatedStartSeconds) * time.Second,
				DisableGate:      cfg.Gate.Disable,
				ForceGate:        cfg.Gate.Force,
			})
			if err != nil {
				return err
			}
			defer ctrl.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			ctrl.Run(ctx)

			states, unsubscribe := ctrl.Subscribe()
			defer unsubscribe()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

			printState(ctrl.State())
			for {
				select {
				case <-sigCh:
					return nil
				case s, ok := <-states:
					if !ok {
						return nil
					}
					printState(s)
				}
			}
		},
	}
}

// --- setup ---

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "First-time setup: create the base directory and a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(config.ConfigPath()); err == nil {
				fmt.Printf("Config already exists at %s, skipping\n", config.ConfigPath())
				return nil
			}
			if err := config.Save(config.Default()); err != nil {
				return fmt.Errorf("saving default config: %w", err)
			}
			fmt.Printf("Wrote default config to %s\n", config.ConfigPath())
			fmt.Println("Set vm.project (or DB_VM_PROJECT), then start vmgated.")
			return nil
		},
	}
}

func printState(s gate.State) {
	line := fmt.Sprintf("%s  status=%s gated=%v", time.Now().Format("15:04:05"), s.Status, s.Gated)
	if s.Validating {
		line += " checking"
	}
	if s.Starting {
		if s.HasProgress {
			line += fmt.Sprintf(" starting=%.0f%%", s.Progress)
		} else {
			line += " starting"
		}
	}
	if s.Suspending {
		line += " suspending"
	}
	if s.Err != "" {
		line += " error=" + s.Err
	}
	fmt.Println(line)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printYAML(v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}
