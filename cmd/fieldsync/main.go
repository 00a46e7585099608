package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"github.com/vonshlovens/fieldsync/internal/blob"
	"github.com/vonshlovens/fieldsync/internal/config"
	"github.com/vonshlovens/fieldsync/internal/db"
	"github.com/vonshlovens/fieldsync/internal/model"
	"github.com/vonshlovens/fieldsync/internal/netstate"
	"github.com/vonshlovens/fieldsync/internal/notify"
	"github.com/vonshlovens/fieldsync/internal/offline"
	"github.com/vonshlovens/fieldsync/internal/queue"
	"github.com/vonshlovens/fieldsync/internal/remote"
	"github.com/vonshlovens/fieldsync/internal/scheduler"
	"github.com/vonshlovens/fieldsync/internal/server"
	"github.com/vonshlovens/fieldsync/internal/store"
	engine "github.com/vonshlovens/fieldsync/internal/sync"
	"github.com/vonshlovens/fieldsync/internal/watcher"
)

var (
	cfgFile string
	verbose bool
	version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "fieldsync",
		Short:   "Offline-first sync for construction field data",
		Long:    `Keeps a local database of projects, inspections, photos and hidden-work acts in sync with a remote server, queueing changes while offline.`,
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(os.Stderr)
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		daemonCmd(),
		syncCmd(),
		statusCmd(),
		enqueueCmd(),
		importCmd(),
		deadLetterCmd(),
		migrateCmd(),
		initCmd(),
		serveCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging(w io.Writer) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	})))
}

// loadConfig reads the config and, when a log file is configured, tees
// logs into a rotating file
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Log.File != "" {
		setupLogging(io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
		}))
	}
	return cfg, nil
}

// app is the client side: local store, queue, engine and data API
type app struct {
	cfg     *config.Config
	store   *store.Store
	queue   *queue.Queue
	client  *remote.Client
	monitor *netstate.Monitor
	engine  *engine.Engine
	svc     *offline.Service
}

func openApp(ctx context.Context, cfg *config.Config, onProgress func(done, total int)) (*app, error) {
	st, err := store.Open(ctx, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	a := &app{cfg: cfg, store: st, queue: queue.New(st, cfg.Sync.MaxRetries)}

	if cfg.Server.BaseURL != "" {
		a.client = remote.NewClient(remote.Options{
			BaseURL:    cfg.Server.BaseURL,
			Token:      cfg.Server.Token,
			Timeout:    cfg.Server.Timeout(),
			HealthPath: cfg.Server.HealthPath,
		})
		a.monitor = netstate.NewMonitor(a.client, cfg.Server.ProbeInterval())

		opts := engine.Options{
			BatchSize:     cfg.Sync.BatchSize,
			SchemaVersion: cfg.Sync.SchemaVersion,
			OnProgress:    onProgress,
			StatusFile:    engine.StatusPath(cfg.Store.Path),
		}
		if cfg.Blobs.Enabled {
			up, err := blob.NewS3Uploader(ctx, blob.S3Config{
				Bucket:          cfg.Blobs.Bucket,
				Region:          cfg.Blobs.Region,
				Endpoint:        cfg.Blobs.Endpoint,
				AccessKeyID:     cfg.Blobs.AccessKeyID,
				SecretAccessKey: cfg.Blobs.SecretAccessKey,
				Prefix:          cfg.Blobs.Prefix,
				UsePathStyle:    cfg.Blobs.UsePathStyle,
			})
			if err != nil {
				st.Close()
				return nil, fmt.Errorf("failed to create blob uploader: %w", err)
			}
			opts.Uploader = up
		}
		a.engine = engine.NewEngine(st, a.queue, a.client, a.monitor.Quiet(), opts)
	}

	var syncer offline.Syncer
	if a.engine != nil {
		syncer = a.engine
	}
	a.svc = offline.New(st, a.queue, syncer, offline.Options{UrgentActions: cfg.Sync.UrgentActions})
	return a, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		slog.Warn("failed to close local store", "error", err)
	}
}

func withApp(fn func(ctx context.Context, a *app) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := openApp(ctx, cfg, nil)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, a)
	}
}

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run background sync",
		Long:  `Syncs every interval, when the server becomes reachable, on server notifications and right after urgent actions. Files dropped into the inbox become photo and document records.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.RequireServer(); err != nil {
				return err
			}

			a, err := openApp(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			sched := scheduler.New(a.engine, scheduler.Options{
				Interval:  cfg.Sync.Interval(),
				RetryBase: cfg.Sync.RetryBase(),
			})
			a.svc.SetNotifier(sched)

			unsubscribe := a.monitor.Subscribe(sched.OnConnectivity)
			defer unsubscribe()
			go a.monitor.Run(ctx)

			if url := cfg.Server.WebsocketURL(); url != "" {
				listener := notify.NewListener(url, cfg.Server.Token, func(m notify.Message) {
					slog.Debug("server notification", "type", m.Type)
					sched.Notify()
				})
				go listener.Run(ctx)
			}

			var inbox *watcher.Watcher
			if cfg.Inbox.Path != "" {
				inbox, err = watcher.New(cfg.Inbox.Path, watcher.Options{
					Debounce: time.Duration(cfg.Inbox.DebounceMs) * time.Millisecond,
					Include:  cfg.Inbox.IncludePatterns,
					Ignore:   cfg.Inbox.IgnorePatterns,
				})
				if err != nil {
					return fmt.Errorf("failed to create inbox watcher: %w", err)
				}
				if err := inbox.Start(ctx); err != nil {
					return fmt.Errorf("failed to start inbox watcher: %w", err)
				}
				go a.svc.ConsumeInbox(ctx, inbox)
			}

			sched.Start(ctx)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			slog.Info("daemon started", "server", cfg.Server.BaseURL, "store", cfg.Store.Path, "inbox", cfg.Inbox.Path)
			fmt.Println("Syncing in the background. Press Ctrl+C to stop.")

			<-sigCh
			slog.Info("shutting down...")
			if inbox != nil {
				inbox.Flush()
			}
			cancel()
			sched.Stop()
			if inbox != nil {
				inbox.Stop()
			}
			return nil
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.RequireServer(); err != nil {
				return err
			}

			var bar *progressbar.ProgressBar
			onProgress := func(done, total int) {
				if bar == nil {
					bar = progressbar.NewOptions(total,
						progressbar.OptionSetDescription("pushing changes"),
						progressbar.OptionSetWriter(os.Stderr),
						progressbar.OptionShowCount(),
						progressbar.OptionClearOnFinish(),
					)
				}
				bar.Set(done)
			}

			a, err := openApp(ctx, cfg, onProgress)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.svc.TriggerSync(ctx)
			if bar != nil {
				bar.Finish()
			}
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}
			if res.Offline {
				fmt.Println("Server unreachable; changes stay queued.")
				return nil
			}

			fmt.Printf("Sync completed: %d pushed, %d failed, %d deferred, %d applied.\n",
				res.Pushed, res.Failed, res.Deferred, res.Applied)
			if res.DeadLettered > 0 {
				fmt.Printf("%d entries moved to the dead-letter queue; see 'fieldsync deadletter list'.\n", res.DeadLettered)
			}
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue, checkpoint and per-table counts",
		RunE: withApp(func(ctx context.Context, a *app) error {
			st := a.svc.GetSyncStatus(ctx)
			// The daemon mirrors its last cycle to disk.
			if saved, err := engine.LoadStatus(engine.StatusPath(a.cfg.Store.Path)); err == nil {
				st.LastSyncAt = saved.LastSyncAt
				st.LastErrors = saved.LastErrors
				st.LastResult = saved.LastResult
			}

			cp, err := a.store.Checkpoint(ctx)
			if err != nil {
				return err
			}
			stats, err := a.svc.Stats(ctx)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					engine.Status
					Checkpoint int64               `json:"checkpoint"`
					Tables     []store.EntityStats `json:"tables"`
				}{st, cp.LastPulledAt, stats})
			}

			fmt.Println("=== Fieldsync Status ===")
			fmt.Printf("Store: %s\n", a.cfg.Store.Path)
			if a.client != nil {
				reach := "reachable"
				if err := a.client.Ping(ctx); err != nil {
					reach = "unreachable (" + err.Error() + ")"
				}
				fmt.Printf("Server: %s, %s\n", a.cfg.Server.BaseURL, reach)
			} else {
				fmt.Println("Server: not configured")
			}
			fmt.Println()
			fmt.Printf("State: %s\n", st.State)
			fmt.Printf("Pending changes: %d\n", st.PendingCount)
			fmt.Printf("Dead letters: %d\n", st.DeadLetters)
			if cp.LastPulledAt > 0 {
				fmt.Printf("Last pulled: %s\n", time.UnixMilli(cp.LastPulledAt).UTC().Format(time.RFC3339))
			}
			if st.LastSyncAt != nil {
				fmt.Printf("Last sync: %s\n", st.LastSyncAt.Format(time.RFC3339))
			}
			for _, e := range st.LastErrors {
				fmt.Printf("  error: %s\n", e)
			}
			fmt.Println()
			fmt.Println("Tables:")
			for _, s := range stats {
				fmt.Printf("  %-18s total %-5d dirty %-5d synced %-5d deleting %d\n", s.Type, s.Total, s.Dirty, s.Synced, s.PendingDelete)
			}
			return nil
		}),
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func enqueueCmd() *cobra.Command {
	var syncNow bool

	cmd := &cobra.Command{
		Use:     "enqueue <action> <json-payload>",
		Short:   "Record an offline action",
		Example: `  fieldsync enqueue hidden_works/sign_act '{"local_id":"...","notes":"checked"}'`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				rec, err := a.svc.EnqueueOfflineAction(ctx, args[0], json.RawMessage(args[1]))
				if err != nil {
					return err
				}
				fmt.Printf("%s %s recorded\n", rec.Type, rec.LocalID)

				if syncNow && a.engine != nil {
					if _, err := a.svc.TriggerSync(ctx); err != nil && !errors.Is(err, engine.ErrSyncInProgress) {
						return fmt.Errorf("sync failed: %w", err)
					}
				}
				return nil
			})(cmd, args)
		},
	}

	cmd.Flags().BoolVar(&syncNow, "sync", false, "sync right after recording")
	return cmd
}

func importCmd() *cobra.Command {
	var docs bool

	cmd := &cobra.Command{
		Use:   "import <parent-local-id> <file>...",
		Short: "Import photos of an inspection or documents of a project",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				t := model.Photos
				if docs {
					t = model.Documents
				}
				for _, path := range args[1:] {
					rec, err := a.svc.ImportFile(ctx, t, args[0], path)
					if err != nil {
						return err
					}
					fmt.Printf("%s -> %s %s\n", path, t, rec.LocalID)
				}
				return nil
			})(cmd, args)
		},
	}

	cmd.Flags().BoolVar(&docs, "documents", false, "import as project documents")
	return cmd
}

// deadLetterView is the YAML form of a dead-lettered entry
type deadLetterView struct {
	ID        int64  `yaml:"id"`
	Entity    string `yaml:"entity"`
	LocalID   string `yaml:"local_id"`
	Action    string `yaml:"action"`
	Retries   int    `yaml:"retries"`
	LastError string `yaml:"last_error,omitempty"`
	DeadAt    string `yaml:"dead_at,omitempty"`
	Payload   string `yaml:"payload"`
}

func deadLetterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Inspect and recover changes that exhausted their retries",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered entries",
		RunE: withApp(func(ctx context.Context, a *app) error {
			entries, err := a.queue.DeadLetters(ctx)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No dead letters.")
				return nil
			}

			views := make([]deadLetterView, 0, len(entries))
			for _, e := range entries {
				v := deadLetterView{
					ID:      e.ID,
					Entity:  string(e.EntityType),
					LocalID: e.EntityLocalID,
					Action:  string(e.Action),
					Retries: e.RetryCount,
					Payload: e.Payload,
				}
				if e.LastError != nil {
					v.LastError = *e.LastError
				}
				if e.DeadAt != nil {
					v.DeadAt = time.UnixMilli(*e.DeadAt).UTC().Format(time.RFC3339)
				}
				views = append(views, v)
			}

			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(views)
		}),
	}

	requeue := &cobra.Command{
		Use:   "requeue <id>...",
		Short: "Put entries back into the queue with a fresh retry count",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				return eachID(args, func(id int64) error { return a.queue.Requeue(ctx, id) }, "requeued")
			})(cmd, args)
		},
	}

	discard := &cobra.Command{
		Use:   "discard <id>...",
		Short: "Drop entries for good",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				return eachID(args, func(id int64) error { return a.queue.Discard(ctx, id) }, "discarded")
			})(cmd, args)
		},
	}

	cmd.AddCommand(list, requeue, discard)
	return cmd
}

func eachID(args []string, fn func(id int64) error, verb string) error {
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid entry id %q", arg)
		}
		if err := fn(id); err != nil {
			return fmt.Errorf("entry %d: %w", id, err)
		}
		fmt.Printf("Entry %d %s.\n", id, verb)
	}
	return nil
}

func migrateCmd() *cobra.Command {
	var statusOnly bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run migrations of the local store and, if configured, the server database",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			// store.Open migrates the local store.
			a, err := openApp(ctx, cfg, nil)
			if err != nil {
				return err
			}
			a.Close()
			fmt.Printf("Local store ready: %s\n", cfg.Store.Path)

			if cfg.Reference.Database == nil {
				return nil
			}
			database, err := db.New(ctx, cfg.Reference.Database)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer database.Close()

			if statusOnly {
				return database.MigrationStatus(ctx)
			}
			if err := database.RunMigrations(ctx); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Println("Server database migrations completed successfully.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&statusOnly, "status", false, "print server migration status instead of migrating")
	return cmd
}

func initCmd() *cobra.Command {
	var (
		serverURL string
		inboxPath string
		force     bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			cfg.Server.BaseURL = serverURL
			cfg.Server.Token = "${FIELDSYNC_TOKEN}"
			cfg.Inbox.Path = inboxPath
			cfg.Store.Path = filepath.Join(config.GetConfigDir(), "fieldsync.db")

			if err := config.Validate(cfg); err != nil {
				return err
			}

			path := cfgFile
			if path == "" {
				path = filepath.Join(config.GetConfigDir(), "config.yaml")
			}
			if force {
				_ = os.Remove(path)
			}
			if err := config.WriteFile(path, cfg); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}

			fmt.Printf("Config file written to: %s\n", path)
			fmt.Println("\nSet the FIELDSYNC_TOKEN environment variable to your API token.")
			fmt.Println("To check the server, run: fieldsync status")
			fmt.Println("To start syncing, run: fieldsync daemon")
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "sync server base URL")
	cmd.Flags().StringVar(&inboxPath, "inbox", "", "directory watched for new photos and documents")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func serveCmd() *cobra.Command {
	var (
		memory bool
		listen string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bundled sync server",
		Long:  `Serves the pull/push protocol, a health probe and change notifications. Records live in PostgreSQL (reference.database) or, with --memory, in process memory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen == "" {
				listen = cfg.Reference.Listen
			}

			var backend server.Backend
			switch {
			case memory:
				backend = server.NewMemoryBackend()
				slog.Warn("using in-memory backend, records are lost on exit")
			case cfg.Reference.Database != nil:
				database, err := db.New(ctx, cfg.Reference.Database)
				if err != nil {
					return fmt.Errorf("failed to connect to database: %w", err)
				}
				if err := database.RunMigrations(ctx); err != nil {
					database.Close()
					return fmt.Errorf("migration failed: %w", err)
				}
				backend = database
			default:
				return errors.New("reference.database is not configured; pass --memory for a throwaway server")
			}
			defer backend.Close()

			srv := server.New(backend, server.Options{Token: cfg.Reference.Token})
			defer srv.Close()

			fmt.Printf("Serving on %s. Press Ctrl+C to stop.\n", listen)
			return srv.ListenAndServe(ctx, listen)
		},
	}

	cmd.Flags().BoolVar(&memory, "memory", false, "keep records in memory")
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default reference.listen)")
	return cmd
}
