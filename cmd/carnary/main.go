// Package main is the CLI entry point for carnary.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/focusd/carnary/internal/client"
	"github.com/eliteGoblin/focusd/carnary/internal/config"
	"github.com/eliteGoblin/focusd/carnary/internal/daemon"
	"github.com/eliteGoblin/focusd/carnary/internal/domain"
	"github.com/eliteGoblin/focusd/carnary/internal/infra"
	"github.com/eliteGoblin/focusd/carnary/internal/policy"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "carnary",
	Short: "Canary supervisor - watches daemon heartbeats",
	Long: `carnary supervises registered daemons. Each daemon negotiates a
monitoring port, then sends single-byte heartbeats. A panic byte, a
heartbeat rate below the negotiated minimum, or a broken connection
triggers the emergency routine and SIGTERM to the daemon.`,
	Version: Version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the supervisor in the foreground",
	Long: `Opens the registration endpoint and watches registered daemons.
SIGTERM runs the emergency routine and exits. SIGINT shuts down cleanly.`,
	RunE: runServe,
}

var beatCmd = &cobra.Command{
	Use:   "beat",
	Short: "Register with a supervisor and send heartbeats",
	Long: `Registers as a daemon, completes the handshake and sends heartbeats
until interrupted. Useful for exercising a running supervisor.`,
	RunE: runBeat,
}

var incidentsCmd = &cobra.Command{
	Use:   "incidents",
	Short: "List recorded escalations",
	RunE:  runIncidents,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

var (
	configPath string
	portFlag   int
	dataDir    string
	jsonOutput bool

	beatAddr     string
	beatService  string
	beatMinRate  uint16
	beatInterval time.Duration
	beatPID      int
	beatPanic    time.Duration

	incidentLimit int
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to TOML config file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Override data directory (lock, journal, key)")

	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Override registration port")

	beatCmd.Flags().StringVar(&beatAddr, "addr", "127.0.0.1:"+strconv.Itoa(domain.DefaultNegotiationPort), "Supervisor registration address")
	beatCmd.Flags().StringVar(&beatService, "service", "carnary-beat", "Service name to register")
	beatCmd.Flags().Uint16Var(&beatMinRate, "min-rate", 1, "Minimum heartbeat rate (per second)")
	beatCmd.Flags().DurationVar(&beatInterval, "interval", 200*time.Millisecond, "Heartbeat interval")
	beatCmd.Flags().IntVar(&beatPID, "pid", 0, "PID to signal on escalation (default: this process)")
	beatCmd.Flags().DurationVar(&beatPanic, "panic-after", 0, "Send a panic byte after this long (0 disables)")

	incidentsCmd.Flags().IntVar(&incidentLimit, "limit", 20, "Maximum incidents to show (0 for all)")
	incidentsCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output incidents as JSON")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(beatCmd)
	rootCmd.AddCommand(incidentsCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig applies CLI overrides on top of the config file.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if portFlag != 0 {
		cfg.NegotiationPort = portFlag
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, cfg.Validate()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := createLogger(cfg.LogPath)
	defer func() { _ = logger.Sync() }()

	journal, err := infra.OpenJournal(cfg.DataDir)
	if err != nil {
		// Escalation still works without history.
		logger.Warn("incident journal unavailable", zap.Error(err))
	} else {
		defer journal.Close()
	}

	remediations := policy.NewRegistry(logger)
	for _, r := range cfg.CommandRemediations() {
		remediations.Register(r)
	}

	var incidents domain.IncidentJournal
	if journal != nil {
		incidents = journal
	}
	supervisor := daemon.GetInstance(
		cfg.Supervisor(),
		infra.NewSocketFactory(),
		infra.NewProcessManager(),
		incidents,
		remediations,
		logger,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT)
	defer stop()

	if err := supervisor.Init(ctx); err != nil {
		return fmt.Errorf("failed to start supervisor: %w", err)
	}
	defer supervisor.Destroy()

	fmt.Printf("carnary %s listening on %s (remediations: %v)\n",
		Version, supervisor.Addr(), remediations.List())

	select {
	case <-ctx.Done():
		logger.Info("interrupted, shutting down")
	case <-supervisor.Terminated():
		logger.Warn("terminated after emergency routine",
			zap.Stringer("state", supervisor.State()))
	}
	return nil
}

func runBeat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT)
	defer stop()

	session, err := client.Connect(ctx, beatAddr, beatService, beatMinRate, beatPID)
	if err != nil {
		return err
	}
	defer session.Monitor.Close()

	host, _, _ := net.SplitHostPort(beatAddr)
	fmt.Printf("registered %s: negotiation %s, monitoring %s\n",
		beatService,
		session.Registration.NegotiationID,
		net.JoinHostPort(host, strconv.Itoa(session.Registration.MonitoringPort)))

	if beatPanic > 0 {
		go func() {
			select {
			case <-ctx.Done():
			case <-time.After(beatPanic):
				fmt.Println("sending panic")
				_ = session.Monitor.Panic()
			}
		}()
	}

	err = session.Monitor.Run(ctx, beatInterval)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

type incidentView struct {
	ID            int64     `json:"id"`
	NegotiationID string    `json:"negotiation_id"`
	Service       string    `json:"service"`
	PID           int       `json:"pid"`
	Cause         string    `json:"cause"`
	Detail        string    `json:"detail"`
	SignalError   string    `json:"signal_error,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

func runIncidents(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	journal, err := infra.OpenJournal(cfg.DataDir)
	if err != nil {
		return err
	}
	defer journal.Close()

	incidents, err := journal.List(incidentLimit)
	if err != nil {
		return err
	}

	if jsonOutput {
		views := make([]incidentView, 0, len(incidents))
		for _, i := range incidents {
			views = append(views, incidentView{
				ID:            i.ID,
				NegotiationID: i.NegotiationID,
				Service:       i.ServiceName,
				PID:           i.DaemonPID,
				Cause:         string(i.Cause),
				Detail:        i.Detail,
				SignalError:   i.SignalError,
				OccurredAt:    i.OccurredAt,
			})
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	}

	fmt.Println("\n=== carnary Incidents ===")
	if len(incidents) == 0 {
		fmt.Println("No escalations recorded.")
	}
	for _, i := range incidents {
		fmt.Printf("\n[%d] %s  %s (pid %d)\n", i.ID, i.OccurredAt.Format(time.RFC3339), i.ServiceName, i.DaemonPID)
		fmt.Printf("  Cause: %s\n", i.Cause)
		fmt.Printf("  Detail: %s\n", i.Detail)
		if i.SignalError != "" {
			fmt.Printf("  Signal failed: %s\n", i.SignalError)
		}
	}
	fmt.Println("\n=========================")
	return nil
}

func createLogger(path string) *zap.Logger {
	_ = os.MkdirAll(filepath.Dir(path), 0700)

	config := zap.NewProductionConfig()
	config.OutputPaths = []string{"stderr", path}
	config.ErrorOutputPaths = []string{"stderr"}
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		// Fallback to stderr only if the log file can't be opened
		logger, _ = zap.NewProduction()
	}
	return logger
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("carnary %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
