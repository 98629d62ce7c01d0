// Command nodex is a process supervisor: a daemon that launches, tracks,
// restarts and tears down child processes, and a CLI client for it.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nodex-sh/nodex"
	"github.com/nodex-sh/nodex/internal/config"
	"github.com/nodex-sh/nodex/internal/launcher"
	"github.com/nodex-sh/nodex/internal/logger"
	"github.com/nodex-sh/nodex/internal/logmux"
	"github.com/nodex-sh/nodex/internal/record"
	"github.com/nodex-sh/nodex/internal/server"
	"github.com/nodex-sh/nodex/internal/supervisor"
	"github.com/nodex-sh/nodex/pkg/client"
)

var (
	flagAddr   string
	flagConfig string
)

func main() {
	root := &cobra.Command{
		Use:           "nodex",
		Short:         "nodex supervises long-running child processes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagAddr, "addr", "http://"+config.DefaultListen, "daemon control endpoint")
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file (TOML)")

	root.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newStartCmd(),
		newStopCmd(),
		newRestartCmd(),
		newListCmd(),
		newLogsCmd(),
		newMonitorCmd(),
		newClearCmd(),
		newHistoryCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func apiClient() *client.Client {
	return client.New(client.Config{BaseURL: flagAddr})
}

// newServeCmd runs the daemon: registry, control endpoint and sampling
// loop, until SIGINT/SIGTERM.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			log := logger.New(cfg.Log)
			system, err := nodex.New(cfg, log)
			if err != nil {
				return err
			}
			defer system.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go system.Run(ctx)

			srv := server.NewServer(cfg.Daemon.Listen, system.Router())
			errCh := make(chan error, 1)
			go func() {
				log.Info("control endpoint listening", "addr", cfg.Daemon.Listen)
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case <-ctx.Done():
				log.Info("shutting down")
			case err := <-errCh:
				return err
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			return nil
		},
	}
}

// newRunCmd launches one command in the foreground without the daemon:
// launcher plus log capture only, no restart policy.
func newRunCmd() *cobra.Command {
	var (
		cwd        string
		envs       []string
		timePrefix bool
		logDir     string
	)
	cmd := &cobra.Command{
		Use:   "run <name> <command> [args...]",
		Short: "Run a command in the foreground with log capture, no supervision",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec := record.ProcessRecord{
				Name:       args[0],
				Command:    args[1],
				Cwd:        cwd,
				Env:        parseEnv(envs),
				TimePrefix: timePrefix,
			}
			if len(args) > 2 {
				rec.Args = args[2:]
			}
			if err := rec.Validate(); err != nil {
				return err
			}
			if logDir == "" {
				logDir = "."
			}
			mux := logmux.New(logDir, nil)
			rec.LogPath = mux.LogPath(rec.Name)

			child, err := launcher.Launch(&rec)
			if err != nil {
				return err
			}
			feed, cancelFeed := mux.Subscribe(rec.Name)
			handle := mux.Attach(rec.Name, rec.LogPath, child.Stdout, child.Stderr, rec.TimePrefix, nil)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				child.Terminate(true, record.DefaultGrace)
			}()
			go func() {
				for line := range feed {
					fmt.Println(line.Text)
				}
			}()
			<-handle.Done()
			st := child.Wait()
			cancelFeed()
			if st.Code != 0 {
				return fmt.Errorf("%s exited with code %d", rec.Name, st.Code)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory")
	cmd.Flags().StringArrayVarP(&envs, "env", "e", nil, "environment entries KEY=VALUE")
	cmd.Flags().BoolVar(&timePrefix, "time", false, "prefix log lines with a timestamp")
	cmd.Flags().StringVar(&logDir, "log-dir", "", "directory for the log file")
	return cmd
}

func newStartCmd() *cobra.Command {
	var req server.StartRequest
	var envs []string
	var maxMemoryMB uint64
	cmd := &cobra.Command{
		Use:   "start <name> [command [args...]]",
		Short: "Start an app, registering it if new",
		Long: "Start an app under supervision. With only a name, the stored\n" +
			"configuration is reused. A command with shell metacharacters runs\n" +
			"through /bin/sh -c.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Name = args[0]
			if len(args) > 1 {
				req.Command = args[1]
			}
			if len(args) > 2 {
				req.Args = args[2:]
			}
			req.Env = parseEnv(envs)
			if maxMemoryMB > 0 {
				req.MaxMemoryBytes = maxMemoryMB << 20
			}
			rec, err := apiClient().Start(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s pid=%d\n", rec.Name, rec.State, rec.PID)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Cwd, "cwd", "", "working directory")
	cmd.Flags().StringArrayVarP(&envs, "env", "e", nil, "environment entries KEY=VALUE")
	cmd.Flags().IntVar(&req.Port, "port", 0, "tracked port (informational)")
	cmd.Flags().BoolVar(&req.AutoRestart, "autorestart", false, "restart on crash")
	cmd.Flags().Uint64Var(&maxMemoryMB, "max-memory", 0, "restart above this RSS, in MB")
	cmd.Flags().Float64Var(&req.MaxCPUPercent, "max-cpu", 0, "restart above this CPU percent (100 = one core)")
	cmd.Flags().UintVar(&req.RestartDelayMS, "restart-delay", 0, "delay before relaunch, in ms")
	cmd.Flags().StringVar(&req.Cron, "cron", "", "restart on this cron schedule")
	cmd.Flags().BoolVar(&req.TimePrefix, "time", false, "prefix log lines with a timestamp")
	return cmd
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <name>",
		Short: "Stop an app gracefully",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := apiClient().Stop(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s %s\n", rec.Name, rec.State)
			return nil
		},
	}
}

func newRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart <name|all>",
		Short: "Restart an app, or every running app",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiClient().Restart(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("%s restarted\n", args[0])
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls", "status"},
		Short:   "List managed apps",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, err := apiClient().List(cmd.Context())
			if err != nil {
				return err
			}
			printStatuses(os.Stdout, statuses)
			return nil
		},
	}
}

func newLogsCmd() *cobra.Command {
	var (
		follow bool
		lines  int
	)
	cmd := &cobra.Command{
		Use:   "logs <name>",
		Short: "Show an app's recent log lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := apiClient()
			if !follow {
				out, err := c.Logs(cmd.Context(), args[0], lines)
				if err != nil {
					return err
				}
				for _, line := range out {
					fmt.Println(line)
				}
				return nil
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			err := c.FollowLogs(ctx, args[0], func(line string) error {
				fmt.Println(line)
				return nil
			})
			if ctx.Err() != nil {
				return nil // interrupted by the user
			}
			return err
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream new lines until interrupted")
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "number of trailing lines")
	return cmd
}

func newMonitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Show host resources and per-app usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := apiClient().Monitor(cmd.Context())
			if err != nil {
				return err
			}
			sys := view.System
			fmt.Printf("cpu %.1f%%  mem %s/%s (%.1f%%)  disk %s/%s (%.1f%%)  up %s\n",
				sys.CPUPercent,
				formatBytes(sys.MemoryUsed), formatBytes(sys.MemoryTotal), sys.MemoryPercent,
				formatBytes(sys.DiskUsed), formatBytes(sys.DiskTotal), sys.DiskPercent,
				(time.Duration(sys.UptimeSec) * time.Second).String())
			printStatuses(os.Stdout, view.Apps)
			return nil
		},
	}
}

func newClearCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear <name|all>",
		Short: "Delete a stopped app's record, or all records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] == "all" && !yes {
				return errors.New("clearing all apps requires --yes")
			}
			if err := apiClient().Clear(cmd.Context(), args[0], yes); err != nil {
				return err
			}
			fmt.Printf("%s cleared\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm clearing all apps")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [name]",
		Short: "Show recent lifecycle events",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			events, err := apiClient().History(cmd.Context(), name, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tAPP\tTRANSITION\tREASON")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%s\t%s -> %s\t%s\n",
					e.OccurredAt.Local().Format(time.DateTime), e.Name, e.From, e.To, e.Reason)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of events")
	return cmd
}

func printStatuses(w io.Writer, statuses []supervisor.Status) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATE\tPID\tCPU\tRSS\tRESTARTS\tPORT")
	for _, st := range statuses {
		cpu, rss := "-", "-"
		if st.Sample != nil {
			cpu = fmt.Sprintf("%.1f%%", st.Sample.CPUPercent)
			rss = formatBytes(st.Sample.RSSBytes)
		}
		port := "-"
		if st.Port != 0 {
			port = fmt.Sprint(st.Port)
		}
		pid := "-"
		if st.PID != 0 {
			pid = fmt.Sprint(st.PID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			st.Name, st.State, pid, cpu, rss, st.RestartCount, port)
	}
	_ = tw.Flush()
}

func parseEnv(entries []string) map[string]string {
	if len(entries) == 0 {
		return nil
	}
	out := make(map[string]string, len(entries))
	for _, kv := range entries {
		if i := strings.IndexByte(kv, '='); i > 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%s", float64(n)/float64(div), []string{"KiB", "MiB", "GiB", "TiB"}[exp])
}
