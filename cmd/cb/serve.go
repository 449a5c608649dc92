package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/syncwell/calbridge/internal/config"
	"github.com/syncwell/calbridge/internal/engine"
	"github.com/syncwell/calbridge/internal/notify"
	"github.com/syncwell/calbridge/internal/ratelimit"
	"github.com/syncwell/calbridge/internal/schedule"
	"github.com/syncwell/calbridge/internal/server"
	"github.com/syncwell/calbridge/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Run the sync daemon (scheduler + admin API)",
	Long: `Run calbridge as a daemon.

The daemon schedules every enabled mapping at its configured interval,
serves the admin API with a live WebSocket event stream, and hot-reloads
the mapping list when the config file changes.

The daemon will:
  1. Open the correlation registry and connect both backends
  2. Start the scheduler and fire each mapping at its interval
  3. Serve /health, /api/status, /api/trigger and /ws on listen_addr
  4. Reload mappings when the config file is edited

Example usage:
  cb serve                               # log to stderr
  cb serve --log-file calbridge.log      # also write a rotating log file`,
	Run: runServe,
}

func init() {
	serveCmd.Flags().String("log-file", "", "Also write logs to this rotating file")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	cfgPath := configPath(cmd)
	cfg := loadConfig(cmd)
	creds := loadCredentials(cmd, cfg)

	logOut := io.Writer(os.Stderr)
	if logFile, _ := cmd.Flags().GetString("log-file"); logFile != "" {
		logOut = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		})
	}
	newLogger := func(prefix string) *log.Logger {
		return log.New(logOut, prefix, log.LstdFlags)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := openStore(ctx, cfg)
	defer store.Close()

	source, dest := newClients(creds)
	budget := ratelimit.NewBudget(cfg.DailyWriteLimit)

	notifier := notify.New(notify.Config{Logger: newLogger("[notify] ")})
	notifier.Start()
	defer notifier.Stop()

	eng := engine.New(engine.Config{
		Source:      source,
		Dest:        dest,
		Store:       store,
		Budget:      budget,
		Notifier:    notifier,
		Logger:      newLogger("[engine] "),
		HistoryKeep: cfg.HistoryKeep,
	})
	defer eng.Close(context.Background())

	srv := server.New(&server.Config{
		ListenAddr: cfg.ListenAddr,
		Budget:     budget,
		Logger:     newLogger("[server] "),
	})

	sched := schedule.New(eng, &schedule.Config{
		MaxConcurrent: cfg.MaxConcurrent,
		HistoryKeep:   cfg.HistoryKeep,
		Events:        srv,
		Logger:        newLogger("[scheduler] "),
	})
	srv.SetControl(sched)

	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to start admin server: %v\n", err)
		os.Exit(1)
	}
	if err := sched.Start(cfg.Mappings); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to start scheduler: %v\n", err)
		_ = srv.Stop()
		os.Exit(1)
	}

	// Hot reload: edits to the config swap the scheduled mapping set without
	// touching runs already in flight.
	go func() {
		err := config.Watch(ctx, cfgPath, func(next *config.Config) {
			fmt.Printf("%s config reloaded (%d mappings)\n",
				ui.RenderAccent("↻"), len(next.Mappings))
			sched.Reload(next.Mappings)
		})
		if err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "Warning: config watcher stopped: %v\n", err)
		}
	}()

	fmt.Println(ui.Pass(fmt.Sprintf("calbridge daemon started (%d mappings)", len(cfg.Mappings))))
	fmt.Printf("Admin API: http://%s/api/status\n", srv.GetAddr())
	fmt.Printf("WebSocket endpoint: ws://%s/ws\n", srv.GetAddr())
	fmt.Println("\nPress Ctrl+C to stop...")

	<-ctx.Done()

	fmt.Println("\nShutting down...")
	sched.Stop()
	if err := srv.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
	}
	fmt.Println("Daemon stopped")
}
