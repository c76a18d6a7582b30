package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	core "github.com/3cpo-dev/fleetstrap/internal/core"
	prov "github.com/3cpo-dev/fleetstrap/internal/providers"
	gssh "github.com/3cpo-dev/fleetstrap/internal/ssh"
	"github.com/3cpo-dev/fleetstrap/internal/telemetry"
	"github.com/3cpo-dev/fleetstrap/pkg/api"
)

// Launch and bootstrap a fleet
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Launch a fleet and bootstrap every node",
		RunE: func(cmd *cobra.Command, args []string) error {
			fleetPath, _ := cmd.Flags().GetString("file")
			provider, _ := cmd.Flags().GetString("provider")
			phases, _ := cmd.Flags().GetStringSlice("phases")
			reg, cfg, err := resolveRegistry(cmd)
			if err != nil {
				return err
			}
			fleet, err := api.LoadFleet(fleetPath)
			if err != nil {
				return err
			}
			if provider == "" {
				provider = fleet.Provider
			}
			if provider == "" {
				provider = cfg.Providers.Default
			}
			if err := core.RequireSecrets(cfg, provider); err != nil {
				return err
			}
			p, err := reg.Get(provider)
			if err != nil {
				return err
			}
			dialer, err := newDialer(cfg)
			if err != nil {
				return err
			}

			telemetry.InitGlobal(cfg.Telemetry.Enabled)
			defer func() { _ = telemetry.Shutdown() }()

			if len(phases) == 0 {
				phases = fleet.Phases
			}
			opts := orchestratorOptions(cfg, fleet.Name, phases)
			if provider != "localssh" {
				opts = append(opts, core.WithPreflight(core.ValidateRequests(prov.NewValidator())))
			}
			if cfg.Store.Path != "" {
				store, err := core.NewStore(cfg.Store.Path)
				if err != nil {
					return err
				}
				defer store.Close()
				opts = append(opts, core.WithRecorder(store))
			}

			o := core.New(p, dialer, opts...)
			report, err := core.Provision(cmd.Context(), o, func(o *core.Orchestrator) error {
				return defineFleet(o, fleet, filepath.Dir(fleetPath), markerPolicy(cfg))
			})
			if report != nil {
				printReport(cmd.OutOrStdout(), report)
			}
			if err != nil {
				return err
			}
			telemetry.GaugeGlobal("fleetstrap_nodes", float64(len(o.Roster())), map[string]string{"fleet": fleet.Name})
			if failed := report.Failed(); len(failed) > 0 {
				return fmt.Errorf("%d of %d nodes failed: %s", len(failed), len(o.Roster()), strings.Join(failed, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringP("file", "f", "fleet.yaml", "fleet definition file")
	cmd.Flags().String("provider", "", "provider name (overrides the fleet file and config)")
	cmd.Flags().StringSlice("phases", nil, "run only these phases, in their fixed order")
	return cmd
}

func orchestratorOptions(cfg prov.Config, fleet string, phases []string) []core.Option {
	retry, session := core.RetryPolicies(cfg)
	opts := []core.Option{
		core.WithFleetName(fleet),
		core.WithRetryPolicy(retry),
		core.WithSessionRetryPolicy(session),
		core.WithPollInterval(time.Duration(cfg.Defaults.PollIntervalSeconds) * time.Second),
		core.WithPollRetries(cfg.Defaults.PollRetries),
		core.WithFactsPaths(cfg.Facts.LocalPath, cfg.Facts.RemotePath),
		core.WithLogger(log.Logger),
		core.WithMetrics(core.NewMetrics(nil)),
	}
	if len(phases) > 0 {
		opts = append(opts, core.WithPhases(phases...))
	}
	return opts
}

func markerPolicy(cfg prov.Config) core.MarkerPolicy {
	if cfg.Bootstrap.MarkOnFailure {
		return core.MarkAlways
	}
	return core.MarkOnSuccess
}

func newDialer(cfg prov.Config) (core.Dialer, error) {
	knownHosts, err := core.ExpandHome(cfg.SSH.KnownHosts)
	if err != nil {
		return nil, err
	}
	c, err := gssh.NewConnector(cfg.SSH.Port,
		time.Duration(cfg.SSH.ConnectTimeoutSeconds)*time.Second,
		time.Duration(cfg.SSH.KeepaliveSeconds)*time.Second,
		knownHosts)
	if err != nil {
		return nil, err
	}
	return core.DialerFunc(func(ctx context.Context, host, user, keyFile string) (core.Session, error) {
		s, err := c.Connect(ctx, host, user, keyFile)
		if err != nil {
			return nil, err
		}
		return s, nil
	}), nil
}

func printReport(w io.Writer, r *core.Report) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PHASE\tDURATION\tFAILED")
	for _, p := range r.Phases {
		var failed []string
		for name, err := range p.Results {
			if err != nil {
				failed = append(failed, name)
			}
		}
		slices.Sort(failed)
		if p.Err != nil {
			failed = append(failed, p.Err.Error())
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Phase, p.Duration.Round(time.Millisecond), strings.Join(failed, ","))
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "fleet %s finished in %s\n", r.Fleet, r.Duration.Round(time.Second))
}

// Check a fleet definition without contacting any provider
func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a fleet definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			fleetPath, _ := cmd.Flags().GetString("file")
			fleet, err := api.LoadFleet(fleetPath)
			if err != nil {
				return err
			}
			o := core.New(nil, nil, core.WithFleetName(fleet.Name), core.WithLogger(zerolog.Nop()))
			if err := defineFleet(o, fleet, filepath.Dir(fleetPath), core.MarkOnSuccess); err != nil {
				return err
			}
			if err := o.Build(); err != nil {
				return err
			}
			if err := core.ValidateRequests(prov.NewValidator())(cmd.Context(), o.Roster()); err != nil {
				return err
			}
			fmt.Printf("fleet %s: %d nodes ok\n", fleet.Name, len(o.Roster()))
			return nil
		},
	}
	cmd.Flags().StringP("file", "f", "fleet.yaml", "fleet definition file")
	return cmd
}

// Show recorded runs
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded fleet runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			fleet, _ := cmd.Flags().GetString("fleet")
			limit, _ := cmd.Flags().GetInt("limit")
			factsOf, _ := cmd.Flags().GetInt64("facts")
			_, cfg, err := resolveRegistry(cmd)
			if err != nil {
				return err
			}
			if cfg.Store.Path == "" {
				return errors.New("no run store configured: set store.path")
			}
			store, err := core.NewStore(cfg.Store.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			if factsOf > 0 {
				facts, err := store.RunFacts(cmd.Context(), factsOf)
				if err != nil {
					return err
				}
				out, err := json.MarshalIndent(facts, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}

			runs, err := store.ListRuns(cmd.Context(), fleet, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tFLEET\tSTARTED\tDURATION\tNODES\tSTATUS\tFAILED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
					r.ID, r.Fleet, r.Started.Format(time.RFC3339),
					r.Finished.Sub(r.Started).Round(time.Second), r.Nodes,
					api.StatusOf(r.Nodes, len(r.Failed)), strings.Join(r.Failed, ","))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().String("fleet", "", "only show runs of this fleet")
	cmd.Flags().Int("limit", 20, "maximum number of runs")
	cmd.Flags().Int64("facts", 0, "print the facts recorded for this run id")
	return cmd
}

// Generate the operator keypair referenced by key_file
func newKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ed25519 keypair for fleet access",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			comment, _ := cmd.Flags().GetString("comment")
			force, _ := cmd.Flags().GetBool("force")
			path, err := core.ExpandHome(out)
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to replace it)", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return err
			}
			pub, err := gssh.GenerateEd25519Keypair(path, comment)
			if err != nil {
				return err
			}
			log.Info().Str("key_file", path).Msg("keypair written")
			fmt.Print(pub)
			return nil
		},
	}
	cmd.Flags().String("out", "~/.ssh/fleetstrap_ed25519", "private key path; the public key is written next to it")
	cmd.Flags().String("comment", "fleetstrap", "public key comment")
	cmd.Flags().Bool("force", false, "overwrite an existing key")
	return cmd
}
