// Command agentbusctl is the operator CLI for an agentbus deployment: inspect
// the agent directory and the routable capability surface, follow request
// trajectories and force-evict stale registrations.
package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/hupe1980/agentbus/config"
	"github.com/hupe1980/agentbus/core"
	"github.com/hupe1980/agentbus/directory"
	"github.com/hupe1980/agentbus/directory/redis"
	"github.com/hupe1980/agentbus/registry"
	"github.com/hupe1980/agentbus/trajectory/mysql"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "agentbusctl",
		Short:         "Inspect and operate an agentbus deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the agentbus config file")

	root.AddCommand(
		newAgentsCmd(&configPath),
		newCapabilitiesCmd(&configPath),
		newEvictCmd(&configPath),
		newTrajectoryCmd(&configPath),
	)
	return root
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// openDirectory connects to the deployment's shared directory store. Only the
// redis backend is reachable from an external process; the memory backend
// lives inside the bus process.
func openDirectory(cfg *config.Config) (*directory.Directory, error) {
	if cfg.Directory.Kind != config.BackendRedis {
		return nil, fmt.Errorf("directory kind %q is not reachable from the CLI; configure the redis backend", cfg.Directory.Kind)
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Directory.Addr,
		Password: cfg.Directory.Password,
		DB:       cfg.Directory.DB,
	})
	store := redis.NewStore(client)
	return directory.New(store, func(o *directory.Options) {
		o.HeartbeatInterval = cfg.Directory.HeartbeatInterval
		o.MissedHeartbeats = cfg.Directory.MissedHeartbeats
	}), nil
}

func newAgentsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List registered agents and their liveness",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			dir, err := openDirectory(cfg)
			if err != nil {
				return err
			}
			descs, err := dir.List(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "AGENT\tVERSION\tSTATUS\tCAPABILITIES\tACTIVE\tLAST HEARTBEAT")
			for _, d := range descs {
				last := "never"
				if d.LastHeartbeat != nil {
					last = time.Since(*d.LastHeartbeat).Round(time.Second).String() + " ago"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d/%d\t%s\n",
					d.AgentType, d.Version, d.Status, len(d.Capabilities), d.ActiveTasks, d.MaxConcurrentTasks, last)
			}
			return w.Flush()
		},
	}
}

func newCapabilitiesCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "capabilities",
		Short: "List the routable capability surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			dir, err := openDirectory(cfg)
			if err != nil {
				return err
			}
			descs, err := dir.List(cmd.Context())
			if err != nil {
				return err
			}
			snap := registry.Rebuild(descs, time.Now())

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CAPABILITY\tAGENT\tDESTINATION\tQUEUE GROUP")
			for _, name := range snap.Capabilities() {
				e, err := snap.Lookup(name)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, e.AgentType, e.RoutingKey, e.QueueGroup)
			}
			for _, warn := range snap.Warnings() {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s declared by both %s and %s; routing to %s\n",
					warn.Capability, warn.Winner, warn.Loser, warn.Winner)
			}
			return w.Flush()
		},
	}
}

func newEvictCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "evict <agent-type>",
		Short: "Force-evict an agent from the directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			dir, err := openDirectory(cfg)
			if err != nil {
				return err
			}
			if err := dir.ForceEvict(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "evicted %s\n", args[0])
			return nil
		},
	}
}

func newTrajectoryCmd(configPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "trajectory <correlation-id>",
		Short: "Show the recorded trajectory of a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.Trajectory.Kind != config.BackendMySQL {
				return fmt.Errorf("trajectory kind %q is not reachable from the CLI; configure the mysql backend", cfg.Trajectory.Kind)
			}
			store, err := mysql.Open(cfg.Trajectory.DSN)
			if err != nil {
				return err
			}
			defer store.Close()

			steps, err := store.ListByCorrelation(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			printSteps(cmd, steps)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum steps to print (0 for all)")
	return cmd
}

func printSteps(cmd *cobra.Command, steps []core.TrajectoryStep) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTASK\tAGENT\tCAPABILITY\tSTATE\tDETAIL")
	for _, s := range steps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.CreatedAt.Format(time.RFC3339), s.TaskID, s.AgentType, s.Capability, s.State, s.Detail)
	}
	w.Flush()
}
