package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/forkd/internal/api"
	"github.com/mattjoyce/forkd/internal/child"
	"github.com/mattjoyce/forkd/internal/config"
	"github.com/mattjoyce/forkd/internal/daemon"
	"github.com/mattjoyce/forkd/internal/events"
	"github.com/mattjoyce/forkd/internal/group"
	"github.com/mattjoyce/forkd/internal/journal"
	"github.com/mattjoyce/forkd/internal/lock"
	"github.com/mattjoyce/forkd/internal/log"
	"github.com/mattjoyce/forkd/internal/metrics"
	"github.com/mattjoyce/forkd/internal/storage"
	"github.com/mattjoyce/forkd/internal/supervisor"
)

const defaultConfigPath = "forkd.yaml"

// checkJournalPath is replaced in tests to simulate remote filesystems.
var checkJournalPath = storage.CheckJournalPath

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "forkd",
		Short: "Single-host process supervisor with admission-controlled worker groups",
	}
	root.PersistentFlags().
		StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file or directory")

	root.AddCommand(newStartCmd(&configPath))
	root.AddCommand(newCheckCmd(&configPath))
	root.AddCommand(newHistoryCmd(&configPath))
	root.AddCommand(newWatchCmd(&configPath))
	root.AddCommand(newVersionCmd())

	root.SilenceUsage = true
	root.SilenceErrors = true
	return root
}

func newStartCmd(configPath *string) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the supervisor until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd.Context(), *configPath, once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Exit after every job was admitted and all children were reaped")
	return cmd
}

func runStart(ctx context.Context, configPath string, once bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")

	fingerprint, err := config.Fingerprint(configPath)
	if err != nil {
		return err
	}
	logger.Info("forkd starting",
		"version", version,
		"service", cfg.Service.Name,
		"config", configPath,
		"config_blake3", fingerprint,
	)

	if cfg.Service.PIDFile != "" {
		pidLock, err := lock.AcquirePIDLock(cfg.Service.PIDFile)
		if err != nil {
			return fmt.Errorf("acquire PID lock (another instance may be running): %w", err)
		}
		defer pidLock.Release()
		logger.Info("acquired PID lock", "path", pidLock.Path())
	}

	var extra []child.Binding
	if cfg.Journal.Path != "" {
		j, err := journal.Open(ctx, cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer j.Close()
		extra = append(extra, j.Binding())
		logger.Info("journal opened", "path", cfg.Journal.Path)
	}

	hub := events.NewHub(256)
	m := metrics.New()
	groups := group.NewRegistry()
	sup := supervisor.New(groups, tasks, &child.ExecStarter{},
		supervisor.WithHub(hub),
		supervisor.WithMetrics(m),
	)

	opts := []daemon.Option{
		daemon.WithLoopInterval(cfg.Service.LoopInterval),
		daemon.WithTickInterval(cfg.Service.TickInterval),
		daemon.WithHub(hub),
	}

	var (
		d      *daemon.Daemon
		runner *jobRunner
	)
	finished := func() bool { return runner.Settled() && sup.Len() == 0 }
	if once {
		// Stop as soon as the last child is reaped instead of waiting out
		// the loop interval.
		extra = append(extra, child.On(child.EventCleanup, func(*child.Handle) error {
			if finished() {
				d.Stop()
			}
			return nil
		}))
		opts = append(opts, daemon.WithContinue(func() bool { return !finished() }))
	}

	runner, err = newJobRunner(tasks, cfg.Jobs, extra...)
	if err != nil {
		return err
	}
	d = daemon.New(sup, groups, cfg.Groups, runner, opts...)

	apiCtx, cancelAPI := context.WithCancel(context.Background())
	apiDone := make(chan struct{})
	if cfg.API.Enabled {
		srv := api.New(api.Config{Listen: cfg.API.Listen}, sup, d, hub, m.Handler(), log.WithComponent("api"))
		go func() {
			defer close(apiDone)
			if err := srv.Start(apiCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("API server failed", "error", err)
			}
		}()
	} else {
		close(apiDone)
	}

	err = d.Run(ctx)
	cancelAPI()
	<-apiDone
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	logger.Info("forkd stopped")
	return nil
}

func newCheckCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration without starting anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.OutOrStdout(), *configPath)
		},
	}
}

func runCheck(out io.Writer, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if _, err := newJobRunner(tasks, cfg.Jobs); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	fingerprint, err := config.Fingerprint(configPath)
	if err != nil {
		return err
	}

	// Configure a scratch registry so capacity errors surface exactly as
	// they would at startup.
	groups := group.NewRegistry()
	names := make([]string, 0, len(cfg.Groups))
	for name := range cfg.Groups {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := groups.Configure(name, cfg.Groups[name]); err != nil {
			return err
		}
	}

	var fs storage.Filesystem
	if cfg.Journal.Path != "" {
		if fs, err = checkJournalPath(cfg.Journal.Path); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}

	fmt.Fprintf(out, "config OK: %s\n", configPath)
	fmt.Fprintf(out, "blake3: %s\n", fingerprint)
	if cfg.Journal.Path != "" {
		fmt.Fprintf(out, "journal: %s (%s)\n", cfg.Journal.Path, fs.Type)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "GROUP\tHARD\tSOFT")
	for _, st := range groups.Snapshot() {
		fmt.Fprintf(w, "%s\t%s\t%s\n", st.Name, formatLimit(st.Capacity.Hard), formatLimit(st.Capacity.Soft))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tTASK\tGROUP\tREPEAT")
	for _, jc := range cfg.Jobs {
		g := jc.Group
		if g == "" {
			g = group.DefaultGroup
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", jc.Name, jc.TaskName(), g, jc.Repeat)
	}
	return w.Flush()
}

func formatLimit(n int) string {
	if n == 0 {
		return "-"
	}
	return fmt.Sprint(n)
}

func newHistoryCmd(configPath *string) *cobra.Command {
	var (
		limit   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recently reaped children from the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd.Context(), cmd.OutOrStdout(), *configPath, limit, jsonOut)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of entries")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output entries as JSON")
	return cmd
}

func runHistory(ctx context.Context, out io.Writer, configPath string, limit int, jsonOut bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Journal.Path == "" {
		return errors.New("journal.path is not configured")
	}

	j, err := journal.Open(ctx, cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer j.Close()

	entries, err := j.Recent(ctx, limit)
	if err != nil {
		return err
	}

	if jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ENDED\tPID\tTASK\tGROUP\tRESULT\tDURATION")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
			e.EndedAt.Local().Format(time.DateTime),
			e.Pid, e.Task, e.Group,
			entryResult(e),
			e.Duration().Round(time.Millisecond),
		)
	}
	return w.Flush()
}

func entryResult(e journal.Entry) string {
	switch e.Kind {
	case "exited":
		return fmt.Sprintf("exit %d", e.ExitCode)
	case "signaled":
		return fmt.Sprintf("signal %d", e.TermSignal)
	case "stopped":
		return fmt.Sprintf("stopped %d", e.StopSignal)
	default:
		return e.Kind
	}
}
