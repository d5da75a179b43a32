package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/arencloud/disturbancemonitor/internal/app"
	"github.com/arencloud/disturbancemonitor/internal/config"
	"github.com/arencloud/disturbancemonitor/internal/geometry"
	"github.com/arencloud/disturbancemonitor/internal/logging"
	"github.com/arencloud/disturbancemonitor/internal/monitor"
	"github.com/arencloud/disturbancemonitor/internal/service"
	"github.com/arencloud/disturbancemonitor/internal/version"
	"github.com/spf13/cobra"
)

type cli struct {
	configPath string
	backend    string
	app        *app.App
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "dmctl",
		Short:         "Provision, monitor and delete disturbance monitors",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", os.Getenv("DM_CONFIG"), "YAML config file; environment variables override it")
	root.PersistentFlags().StringVar(&c.backend, "backend", "ProcessAPI", "backend kind: ProcessAPI or AsyncAPI")

	root.AddCommand(
		c.createCmd(),
		c.monitorCmd(),
		c.deleteCmd(),
		c.recoverCmd(),
		c.shareCmd(),
		c.showCmd(),
		c.listCmd(),
		c.resultsCmd(),
		versionCmd(),
	)
	return root
}

// open builds the app on first use; commands that fail before it do not
// touch the database.
func (c *cli) open(ctx context.Context) (*service.Manager, error) {
	if c.app != nil {
		return c.app.Manager, nil
	}
	cfg, err := config.LoadFile(c.configPath)
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, logging.New(cfg.Env))
	if err != nil {
		return nil, err
	}
	c.app = a
	return a.Manager, nil
}

func (c *cli) close() {
	if c.app != nil {
		c.app.Close()
	}
}

func (c *cli) kind() (monitor.BackendKind, error) {
	return monitor.ParseBackendKind(c.backend)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) createCmd() *cobra.Command {
	var (
		p          monitor.Params
		start      string
		endpoint   string
		idProperty string
		overwrite  bool
	)
	cmd := &cobra.Command{
		Use:   "create NAME GEOJSON",
		Short: "Provision a monitor for the polygons in a GeoJSON FeatureCollection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := c.kind()
			if err != nil {
				return err
			}
			p.Name = args[0]
			p.Endpoint = monitor.Endpoint(endpoint)
			if p.MonitoringStart, err = monitor.ParseDay(start); err != nil {
				return err
			}
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			features, err := geometry.Parse(data, idProperty)
			if err != nil {
				return err
			}
			mgr, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer c.close()
			st, err := mgr.Start(cmd.Context(), service.CreateRequest{Params: p, Features: features, Kind: kind, Overwrite: overwrite})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
	f := cmd.Flags()
	f.StringVar(&start, "start", time.Now().UTC().Format(time.DateOnly), "monitoring start date (YYYY-MM-DD)")
	f.Float64Var(&p.Resolution, "resolution", 0, "pixel size in meters")
	f.StringVar(&p.Datasource, "datasource", "", "datasource: S2L2A, S2L1C, S1GRD or LOTL2")
	f.IntVar(&p.Harmonics, "harmonics", 0, "number of harmonics of the fitted model")
	f.StringVar(&p.Signal, "signal", "", "spectral index to model")
	f.StringVar(&p.Metric, "metric", "", "boundary metric: RMSE or MAD")
	f.Float64Var(&p.Sensitivity, "sensitivity", 0, "detection sensitivity")
	f.Float64Var(&p.Boundary, "boundary", 0, "boundary multiplier")
	f.StringVar(&endpoint, "endpoint", "", "SaaS endpoint: SENTINEL_HUB or CDSE")
	f.StringVar(&idProperty, "id-property", "id", "feature property holding the area id")
	f.BoolVar(&overwrite, "overwrite", false, "tear down an existing monitor of the same name first")
	return cmd
}

func (c *cli) monitorCmd() *cobra.Command {
	var end string
	cmd := &cobra.Command{
		Use:   "monitor NAME",
		Short: "Run a monitoring cycle up to --end",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := c.kind()
			if err != nil {
				return err
			}
			to, err := monitor.ParseDay(end)
			if err != nil {
				return err
			}
			mgr, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer c.close()
			report, err := mgr.RunCycle(cmd.Context(), args[0], kind, to)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&end, "end", time.Now().UTC().Format(time.DateOnly), "last day to monitor (YYYY-MM-DD)")
	return cmd
}

func (c *cli) deleteCmd() *cobra.Command {
	var purge bool
	cmd := &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete the remote resources of a monitor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer c.close()
			if err := mgr.Delete(cmd.Context(), args[0], purge); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "also remove the stored monitor, geometry and results")
	return cmd
}

func (c *cli) recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover NAME",
		Short: "Resolve a monitor left INITIALIZING, UPDATING or DELETING",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer c.close()
			state, err := mgr.Recover(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], state)
			return nil
		},
	}
}

func (c *cli) shareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "share NAME ACCOUNT_ID",
		Short: "Grant another account access to the monitor's image collection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := c.kind()
			if err != nil {
				return err
			}
			mgr, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer c.close()
			if err := mgr.Share(cmd.Context(), args[0], kind, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "shared %s with %s\n", args[0], args[1])
			return nil
		},
	}
}

func (c *cli) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show NAME",
		Short: "Print the stored state of a monitor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer c.close()
			st, err := mgr.Describe(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func (c *cli) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List monitors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer c.close()
			all, err := mgr.List(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, p := range all {
				fmt.Fprintf(w, "%-32s %-16s %s\n", p.Name, p.State, p.LastMonitored.Format(time.DateOnly))
			}
			return nil
		},
	}
}

func (c *cli) resultsCmd() *cobra.Command {
	var feature string
	cmd := &cobra.Command{
		Use:   "results NAME",
		Short: "Print stored disturbance counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer c.close()
			rs, err := mgr.Results(cmd.Context(), args[0], feature)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rs)
		},
	}
	cmd.Flags().StringVar(&feature, "feature", "", "only this feature id")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "dmctl", version.String())
		},
	}
}
