package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and wires all subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	addFlags := &AddFlags{}
	removeFlags := &RemoveFlags{}
	checkPortFlags := &CheckPortFlags{}
	findPortFlags := &FindPortFlags{}
	startStopFlags := &StartStopFlags{}

	wardenCommand := command{global: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createAddCommand(wardenCommand, addFlags),
		createRemoveCommand(wardenCommand, removeFlags),
		createListCommand(wardenCommand),
		createStartCommand(wardenCommand, startStopFlags),
		createStopCommand(wardenCommand),
		createStatusCommand(wardenCommand),
		createCleanupCommand(wardenCommand),
		createPingCommand(wardenCommand),
		createCheckPortCommand(wardenCommand, checkPortFlags),
		createFindPortCommand(wardenCommand, findPortFlags),
		createWatchCommand(wardenCommand),
		createServeCommand(globalFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "dbwarden",
		Short: "Supervision for locally installed database servers",
		Long: `Dbwarden tracks declared database server instances, probes their ports,
reconciles the instance table against the live process list, and cleans up
orphaned server processes.

Examples:
  dbwarden add --name=main --type=postgresql --port=5432
  dbwarden start main
  dbwarden check-port --port=5432
  dbwarden serve                    # Start the supervision daemon`,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func createAddCommand(c command, flags *AddFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Declare a database instance",
		Long: `Declare a database server instance so the daemon supervises it.

Examples:
  dbwarden add --name=main --type=postgresql --port=5432
  dbwarden add --name=cache --type=redis --port=6380 --start-cmd="redis-server /etc/redis/cache.conf"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Add(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.ID, "id", "", "instance id (defaults to name)")
	cmd.Flags().StringVar(&flags.Name, "name", "", "instance name (required)")
	cmd.Flags().StringVar(&flags.Type, "type", "", "database type, e.g. postgresql, mysql, redis (required)")
	cmd.Flags().IntVar(&flags.Port, "port", 0, "TCP port the instance listens on (required)")
	cmd.Flags().StringVar(&flags.StartCmd, "start-cmd", "", "start command overriding the per-type default")
	cmd.Flags().StringVar(&flags.StopCmd, "stop-cmd", "", "stop command overriding the per-type default")
	for _, name := range []string{"name", "type", "port"} {
		if err := cmd.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}
	return cmd
}

func createRemoveCommand(c command, flags *RemoveFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove a declared instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Remove(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.ID, "id", "", "instance id (required)")
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}
	return cmd
}

func createListCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List declared instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.List()
		},
	}
}

func createStartCommand(c command, flags *StartStopFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <id>...",
		Short: "Start declared instances",
		Long: `Start one or more declared instances. The port is probed first: an
external occupant blocks the start, another declared instance on the same
port produces a warning with a suggested replacement port.

Instances claiming the same port within one invocation form a conflict
group: its members are skipped while the rest of the selection starts.
Arbitrate a group with --winner to start exactly one of its members.

Examples:
  dbwarden start main
  dbwarden start main cache analytics
  dbwarden start replica --use-port=5433
  dbwarden start a b cache --winner 5432=a`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(*flags, args)
		},
	}
	cmd.Flags().IntVar(&flags.UsePort, "use-port", 0, "start on this port instead of the recorded one")
	cmd.Flags().StringArrayVar(&flags.Winners, "winner", nil, "arbitrate a conflict group: port=instance-id (repeatable)")
	return cmd
}

func createStopCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id>...",
		Short: "Stop declared instances",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(args)
		},
	}
}

func createStatusCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status()
		},
	}
}

func createCleanupCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Run a reconciliation cycle now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Cleanup()
		},
	}
}

func createPingCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon answers on its socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Ping()
		},
	}
}

func createCheckPortCommand(c command, flags *CheckPortFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check-port",
		Short: "Probe a TCP port",
		Long: `Probe whether a TCP port is available on localhost. Uses the daemon's
port oracle when the daemon is running, a direct probe otherwise.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.CheckPort(*flags)
		},
	}
	cmd.Flags().IntVar(&flags.Port, "port", 0, "port to probe (required)")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 10*time.Second, "request timeout")
	if err := cmd.MarkFlagRequired("port"); err != nil {
		panic(err)
	}
	return cmd
}

func createFindPortCommand(c command, flags *FindPortFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "find-port",
		Short: "Find a free TCP port",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.FindPort(*flags)
		},
	}
	cmd.Flags().IntVar(&flags.StartPort, "start", 49152, "first port to try")
	cmd.Flags().IntVar(&flags.MaxAttempts, "max-attempts", 100, "how many consecutive ports to try")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 10*time.Second, "request timeout")
	return cmd
}

func createWatchCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch declared instance ports for conflicts",
		Long: `Continuously probe the port of every declared instance and print
warning transitions. Busy ports raise a warning immediately; clearing one
takes two consecutive free probes so a killed process cannot flicker the
state.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.Watch(ctx)
		},
	}
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the supervision daemon",
		Long: `Start the dbwarden daemon: the reconciliation loop, the unix-socket
control endpoint, and the optional metrics and admin HTTP listeners.

Examples:
  dbwarden serve
  dbwarden serve config.toml
  dbwarden serve --daemonize`,
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			return runServe(serveFlags, args)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon pid to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to this file")
	return cmd
}
