package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"slamcar-console/internal/api"
	"slamcar-console/internal/codec"
	"slamcar-console/internal/config"
	"slamcar-console/internal/control"
	"slamcar-console/internal/db"
	"slamcar-console/internal/imagestream"
	"slamcar-console/internal/logging"
	"slamcar-console/internal/models"
	"slamcar-console/internal/operator"
	"slamcar-console/internal/parser"
	"slamcar-console/internal/vehicle"
	"slamcar-console/internal/worker"
)

var (
	configPath string
	dbPath     string
	logLevel   string

	store  *config.Store
	logger zerolog.Logger
	logOut io.Closer
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "slamcar",
		Short: "slamcar operator console",
		Long: `Operator console for the slamcar RC car. Serves the control/telemetry
and camera endpoints the on-car worker connects to, simulates the vehicle
locally and records sessions to SQLite.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initRuntime()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logOut != nil {
				logOut.Close()
			}
		},
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "slamcar.json", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides db.path)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides log.level)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initRuntime loads the config store and sets up logging
func initRuntime() error {
	var loadErr error
	store, loadErr = config.Load(configPath)
	if loadErr != nil {
		store = config.New()
	}
	if dbPath != "" {
		store.Set("db.path", dbPath)
	}
	if logLevel != "" {
		store.Set("log.level", logLevel)
	}

	var err error
	logger, logOut, err = logging.Setup(logging.Options{
		Level: store.GetString("log.level"),
		File:  store.GetString("log.file"),
	})
	if err != nil {
		return fmt.Errorf("logging setup: %w", err)
	}

	if loadErr != nil {
		logger.Warn().Err(loadErr).Msg("using default configuration")
	}
	return nil
}

// openDB opens the session database
func openDB() (*db.Database, error) {
	database, err := db.New(store.GetString("db.path"))
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return database, nil
}

// localIP returns the address other hosts on the LAN reach this machine on.
// No packet is sent.
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

// serveCmd runs the console: both endpoints, the operator loop and the API
func serveCmd() *cobra.Command {
	var port int
	var noRecord bool
	var scriptPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the operator console",
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := store.VehicleParameters()
			if err != nil {
				return err
			}
			wire, err := codec.ByName(store.GetString("network.codec"))
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("port") {
				port = store.GetInt("http.port")
			}

			var script []models.InputStep
			if scriptPath != "" {
				p := parser.NewParser(parser.FormatFromPath(scriptPath), logger)
				if script, err = p.ParseFile(scriptPath); err != nil {
					return fmt.Errorf("loading script: %w", err)
				}
			}

			var database *db.Database
			var sessionID string
			var recorder *db.Recorder
			if !noRecord {
				if database, err = openDB(); err != nil {
					return err
				}
				defer database.Close()

				session, err := database.StartSession(store.ControlAddr(), store.ImageAddr())
				if err != nil {
					return fmt.Errorf("starting session: %w", err)
				}
				sessionID = session.ID
				recorder = db.NewRecorder(database, sessionID)
			}

			ctlCfg := control.Config{Addr: store.ControlAddr(), Codec: wire, Logger: logger}
			imgCfg := imagestream.Config{
				Addr:      store.ImageAddr(),
				MaxPixels: store.GetInt64("network.max_frame_pixels"),
				Logger:    logger,
			}
			if recorder != nil {
				ctlCfg.Recorder = recorder
				imgCfg.Recorder = recorder
			}

			ctl, err := control.New(ctlCfg)
			if err != nil {
				return err
			}
			if err := ctl.Start(); err != nil {
				return err
			}
			defer ctl.Close()

			images, err := imagestream.New(imgCfg)
			if err != nil {
				return err
			}
			if err := images.Start(); err != nil {
				return err
			}
			defer images.Close()

			loop := operator.New(operator.Config{
				Model: vehicle.New(vehicle.Config{
					Params:        params,
					TrackCapacity: store.GetInt("operator.trace_capacity"),
				}),
				Commands:   ctl,
				Reports:    ctl,
				Frames:     images,
				TickHz:     store.GetInt("operator.tick_hz"),
				StaleAfter: store.GetDuration("operator.stale_after"),
				Script:     script,
				Logger:     logger,
			})

			server := api.NewServer(api.Deps{
				Loop:      loop,
				Control:   ctl,
				Images:    images,
				DB:        database,
				Store:     store,
				SessionID: sessionID,
				Logger:    logger,
			})
			httpServer := &http.Server{
				Addr:              fmt.Sprintf(":%d", port),
				Handler:           server.Router(),
				ReadHeaderTimeout: 5 * time.Second,
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go loop.Run(ctx)
			go func() {
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error().Err(err).Msg("api server failed")
					stop()
				}
			}()

			logger.Info().
				Str("ip", localIP()).
				Str("control", ctl.Addr()).
				Str("images", images.Addr()).
				Str("api", httpServer.Addr).
				Str("codec", wire.Name()).
				Str("session", sessionID).
				Msg("console running")

			<-ctx.Done()
			logger.Info().Msg("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "API server port (overrides http.port)")
	cmd.Flags().BoolVar(&noRecord, "no-record", false, "Do not record the session")
	cmd.Flags().StringVarP(&scriptPath, "script", "s", "", "Input script to play back (csv, json, log)")
	return cmd
}

// workerCmd runs a mock worker against a console
func workerCmd() *cobra.Command {
	var host string
	var interval time.Duration
	var count int
	var width, height int
	var noImages bool

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a mock vehicle worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			wire, err := codec.ByName(store.GetString("network.codec"))
			if err != nil {
				return err
			}

			cfg := worker.Config{
				ControlAddr: net.JoinHostPort(host, strconv.Itoa(store.GetInt("network.control_port"))),
				Codec:       wire,
				Interval:    interval,
				Width:       width,
				Height:      height,
				Count:       count,
				Logger:      logger,
			}
			if !noImages {
				cfg.ImageAddr = net.JoinHostPort(host, strconv.Itoa(store.GetInt("network.image_port")))
			}

			w, err := worker.New(cfg)
			if err != nil {
				return err
			}
			defer w.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			start := time.Now()
			res, err := w.Run(ctx)
			elapsed := time.Since(start)

			fmt.Printf("Sent %d reports and %d frames in %v (%d frames rejected, %d config patches)\n",
				res.ReportsSent, res.FramesSent, elapsed.Round(time.Millisecond), res.FramesNacked, res.PatchesMerged)
			return err
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Console host")
	cmd.Flags().DurationVarP(&interval, "interval", "i", 100*time.Millisecond, "Tick interval")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "Stop after this many ticks (0 runs until interrupted)")
	cmd.Flags().IntVar(&width, "width", 160, "Frame width")
	cmd.Flags().IntVar(&height, "height", 120, "Frame height")
	cmd.Flags().BoolVar(&noImages, "no-images", false, "Only send telemetry")
	return cmd
}

// queryCmd queries recorded telemetry
func queryCmd() *cobra.Command {
	var sessionID string
	var startTime string
	var endTime string
	var limit int
	var outputFormat string
	var latest bool

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query recorded telemetry",
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := openDB()
			if err != nil {
				return err
			}
			defer database.Close()

			if latest {
				r, err := database.LatestReport(sessionID)
				if err != nil {
					return fmt.Errorf("query error: %w", err)
				}
				printReports([]models.ReportRecord{*r}, outputFormat, 0)
				return nil
			}

			q := models.ReportQuery{
				SessionID: sessionID,
				Limit:     limit,
			}

			if startTime != "" {
				t, err := time.Parse(time.RFC3339, startTime)
				if err != nil {
					return fmt.Errorf("invalid start_time format (use RFC3339): %w", err)
				}
				q.StartTime = t
			}

			if endTime != "" {
				t, err := time.Parse(time.RFC3339, endTime)
				if err != nil {
					return fmt.Errorf("invalid end_time format (use RFC3339): %w", err)
				}
				q.EndTime = t
			}

			start := time.Now()
			results, err := database.QueryReports(q)
			if err != nil {
				return fmt.Errorf("query error: %w", err)
			}
			elapsed := time.Since(start)

			printReports(results, outputFormat, elapsed)
			return nil
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "S", "", "Filter by session ID")
	cmd.Flags().StringVarP(&startTime, "start", "s", "", "Start time (RFC3339)")
	cmd.Flags().StringVarP(&endTime, "end", "e", "", "End time (RFC3339)")
	cmd.Flags().IntVarP(&limit, "limit", "l", 100, "Maximum reports to return")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
	cmd.Flags().BoolVar(&latest, "latest", false, "Show only the most recent report")
	return cmd
}

func printReports(results []models.ReportRecord, outputFormat string, elapsed time.Duration) {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(results)
	default:
		fmt.Printf("Found %d reports (query time: %v)\n\n", len(results), elapsed)
		for _, r := range results {
			payload, _ := json.Marshal(r.Payload.Finite())
			fmt.Printf("[%s] %s | throttle %+.2f steering %+.2f | %s\n",
				r.ReceivedAt.Format("2006-01-02 15:04:05.000"),
				shortID(r.SessionID), r.Command.Throttle, r.Command.Steering, payload)
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// statsCmd shows database statistics
func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := openDB()
			if err != nil {
				return err
			}
			defer database.Close()

			stats, err := database.GetStats()
			if err != nil {
				return fmt.Errorf("error getting stats: %w", err)
			}

			fmt.Println("slamcar recorder statistics")
			fmt.Println("===========================")
			fmt.Printf("  Sessions:  %v\n", stats["total_sessions"])
			fmt.Printf("  Reports:   %v\n", stats["total_reports"])
			fmt.Printf("  Frames:    %v\n", stats["total_frames"])
			fmt.Printf("  Database:  %s\n", store.GetString("db.path"))

			return nil
		},
	}
}

// sessionCmd inspects recorded sessions
func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Recorded session commands",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := openDB()
			if err != nil {
				return err
			}
			defer database.Close()

			sessions, err := database.ListSessions()
			if err != nil {
				return fmt.Errorf("error listing sessions: %w", err)
			}

			if len(sessions) == 0 {
				fmt.Println("No sessions recorded. Use 'slamcar serve' to record one.")
				return nil
			}

			fmt.Printf("%-36s %-20s %-22s %-22s\n", "ID", "Started", "Control", "Images")
			fmt.Println(strings.Repeat("-", 102))
			for _, s := range sessions {
				fmt.Printf("%-36s %-20s %-22s %-22s\n",
					s.ID, s.StartedAt.Format("2006-01-02 15:04:05"), s.ControlAddr, s.ImageAddr)
			}

			return nil
		},
	}

	summaryCmd := &cobra.Command{
		Use:   "summary [session_id]",
		Short: "Show a session summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := openDB()
			if err != nil {
				return err
			}
			defer database.Close()

			start := time.Now()
			summary, err := database.SessionSummary(args[0])
			if err != nil {
				return fmt.Errorf("error getting summary: %w", err)
			}
			elapsed := time.Since(start)

			fmt.Printf("Session %s (query: %v)\n", args[0], elapsed)
			fmt.Println("==========================================")
			fmt.Printf("  Reports:        %d\n", summary.TotalReports)
			fmt.Printf("  Frames:         %d\n", summary.TotalFrames)
			if summary.TotalReports > 0 {
				fmt.Printf("  First report:   %s\n", summary.FirstReport.Format(time.RFC3339))
				fmt.Printf("  Last report:    %s\n", summary.LastReport.Format(time.RFC3339))
			}
			fmt.Printf("  Avg throttle:   %+.2f\n", summary.AvgThrottle)
			fmt.Printf("  Max |throttle|: %.2f\n", summary.MaxThrottle)
			fmt.Printf("  Avg steering:   %+.2f\n", summary.AvgSteering)

			return nil
		},
	}

	cmd.AddCommand(listCmd, summaryCmd)
	return cmd
}

// configCmd reads and edits the config file
func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with the default values",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteDefaults(configPath); err != nil {
				return fmt.Errorf("writing defaults: %w", err)
			}
			fmt.Printf("Wrote %s\n", configPath)
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show [group]",
		Short: "Show configuration values",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			groups := store.Groups()
			if len(args) == 1 {
				if store.Keys(args[0]) == nil {
					return fmt.Errorf("unknown config group %q", args[0])
				}
				groups = []string{args[0]}
			}

			for _, g := range groups {
				fmt.Printf("[%s]\n", g)
				keys := store.Keys(g)
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Printf("  %-24s %v\n", k, store.Get(g+"."+k))
				}
			}
			return nil
		},
	}

	setCmd := &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Set a value and save the config file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, raw := args[0], args[1]
			if !store.IsSet(key) {
				return fmt.Errorf("unknown config key %q", key)
			}

			// keep the type of the current value
			var value any = raw
			switch store.Get(key).(type) {
			case int:
				n, err := strconv.Atoi(raw)
				if err != nil {
					return fmt.Errorf("%s expects an integer: %w", key, err)
				}
				value = n
			case float64:
				f, err := strconv.ParseFloat(raw, 64)
				if err != nil {
					return fmt.Errorf("%s expects a number: %w", key, err)
				}
				value = f
			case bool:
				b, err := strconv.ParseBool(raw)
				if err != nil {
					return fmt.Errorf("%s expects a boolean: %w", key, err)
				}
				value = b
			}

			store.Set(key, value)
			if strings.HasPrefix(key, "vehicle.") {
				if _, err := store.VehicleParameters(); err != nil {
					return err
				}
			}

			if store.Path() == "" {
				if err := config.WriteDefaults(configPath); err != nil {
					return fmt.Errorf("creating config file: %w", err)
				}
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				loaded.Set(key, value)
				store = loaded
			}
			if err := store.Save(); err != nil {
				return fmt.Errorf("saving config: %w", err)
			}
			fmt.Printf("%s = %v (saved to %s)\n", key, value, store.Path())
			return nil
		},
	}

	cmd.AddCommand(initCmd, showCmd, setCmd)
	return cmd
}
