// Package main is the CLI entry point for sialockd — a local coordination
// daemon that lets concurrent agents claim exclusive ownership of shared
// resources (files, directories, long-running processes) with FIFO queuing
// and TTL-driven recovery from crashed or stalled owners.
//
// Architecture overview:
//
//	agent --> HTTP claim/release --> sialockd (127.0.0.1:7432) --> in-memory registry
//	                                      |-- reaper sweeps expired claims/agents
//	                                      |-- event log (optional, observability only)
//	                                      +-- /events/ws live feed (optional)
//
// CLI commands (cobra):
//
//	sialockd serve [-d]     - Start the daemon (foreground or background)
//	sialockd stop            - Stop the daemon
//	sialockd status          - Show daemon status
//	sialockd agents          - List registered agents
//	sialockd work-units      - List work units
//	sialockd claim           - Claim a path (debug/scripting helper)
//	sialockd release         - Release a path (debug/scripting helper)
//	sialockd ban / unban     - Manage the agent ban list
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Okohedeki/sialockd/internal/classify"
	"github.com/Okohedeki/sialockd/internal/config"
	"github.com/Okohedeki/sialockd/internal/eventlog"
	"github.com/Okohedeki/sialockd/internal/httpapi"
	"github.com/Okohedeki/sialockd/internal/livefeed"
	"github.com/Okohedeki/sialockd/internal/model"
	"github.com/Okohedeki/sialockd/internal/reaper"
	"github.com/Okohedeki/sialockd/internal/registry"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-02-10"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// defaultConfigDir returns the path to ~/.sialockd/ where all runtime state
// lives: config.yaml, classify.yaml, banned.yaml, and the events/ directory.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sialockd"
	}
	return filepath.Join(home, ".sialockd")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

var configDir string

var rootCmd = &cobra.Command{
	Use:   "sialockd",
	Short: "sialockd — local coordination daemon for concurrent agents",
	Long: `sialockd is a local HTTP daemon that lets concurrent agents (and their
sub-agents) coordinate exclusive access to shared resources: files,
directories, and named processes. Claims are FIFO-queued and TTL-bound,
so a crashed or stalled owner never wedges a resource forever.

Run 'sialockd serve' to start the daemon.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configDir,
		"config-dir",
		defaultConfigDir(),
		"Path to sialockd config and state directory",
	)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(workUnitsCmd)
	rootCmd.AddCommand(claimCmd)
	rootCmd.AddCommand(releaseCmd)
	rootCmd.AddCommand(banCmd)
	rootCmd.AddCommand(unbanCmd)
}

// ============================================================================
// sialockd serve — Start the daemon
// ============================================================================

var daemonMode bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sialockd daemon",
	Long: `Start the sialockd daemon. Binds to the loopback address configured in
~/.sialockd/config.yaml (default: 127.0.0.1:7432) and serves the full
work-unit/agent HTTP surface on that port.

By default runs in the foreground. Use -d for daemon/background mode.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

func init() {
	serveCmd.Flags().BoolVarP(&daemonMode, "daemon", "d", false, "Run in daemon/background mode")
}

// runServe wires together every subsystem and blocks until shutdown:
//
//  1. Handle daemon mode (re-exec as background process if -d)
//  2. Load config from ~/.sialockd/config.yaml
//  3. Initialize the classifier (classify.yaml + built-in command rules)
//  4. Initialize the ban list (banned.yaml)
//  5. Initialize the registry
//  6. Initialize the optional live feed and event log, registering sinks
//  7. Build the HTTP request surface, wiring the ban check into it
//  8. Write the PID file
//  9. Start the reaper
//  10. Start the config file watcher for classify.yaml/banned.yaml hot-reload
//  11. Start listening, block until SIGINT/SIGTERM or HTTP /shutdown, then drain gracefully
func runServe(cmd *cobra.Command, args []string) error {
	if daemonMode && os.Getenv("SIALOCKD_DAEMONIZED") != "1" {
		return spawnDaemon()
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	classifier, err := classify.New(filepath.Join(configDir, cfg.Classifier.RulesPath))
	if err != nil {
		return fmt.Errorf("failed to initialize classifier: %w", err)
	}

	banList, err := registry.NewBanList(filepath.Join(configDir, cfg.Classifier.BanPath))
	if err != nil {
		return fmt.Errorf("failed to load ban list: %w", err)
	}

	reg := registry.New(registry.Config{
		DefaultWorkUnitTTL: cfg.WorkUnitTTL(),
		DefaultAgentTTL:    cfg.AgentTTL(),
	})
	defer reg.Close()

	var feed *livefeed.Hub
	if cfg.LiveFeed.Enabled {
		feed = livefeed.NewHub()
		reg.RegisterSink(feed.Sink())
	}

	var evLog *eventlog.Log
	if cfg.EventLog.Enabled {
		evLog, err = eventlog.Open(filepath.Join(configDir, cfg.EventLog.Dir))
		if err != nil {
			return fmt.Errorf("failed to open event log: %w", err)
		}
		defer evLog.Close()
		reg.RegisterSink(evLog.Sink())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownCh := make(chan struct{}, 1)
	api := httpapi.New(httpapi.Options{
		Registry:   reg,
		Classifier: classifier,
		LiveFeed:   feed,
		IsBanned:   banList.IsBanned,
		Shutdown: func() {
			select {
			case shutdownCh <- struct{}{}:
			default:
			}
		},
	})

	server := &http.Server{
		Addr:              cfg.BindAddr(),
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	pidFile := filepath.Join(configDir, "sialockd.pid")
	if err := writePIDFile(pidFile); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer removePIDFile(pidFile)

	rp := reaper.New(reg, cfg.ReaperInterval(), nil)
	reaperCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	go rp.Run(reaperCtx)

	watcher, err := config.NewWatcher(configDir, config.WatchTargets{
		OnClassifierChange: func() {
			if reloadErr := classifier.Reload(); reloadErr != nil {
				fmt.Fprintf(os.Stderr, "[sialockd] Warning: failed to reload classifier: %v\n", reloadErr)
			} else {
				fmt.Println("[sialockd] Classifier rules reloaded")
			}
		},
		OnBanListChange: func() {
			if reloadErr := banList.Reload(); reloadErr != nil {
				fmt.Fprintf(os.Stderr, "[sialockd] Warning: failed to reload ban list: %v\n", reloadErr)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer watcher.Close()

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("[sialockd] Listening on http://%s\n", cfg.BindAddr())
		if !daemonMode {
			fmt.Println("[sialockd] Press Ctrl+C to stop")
		}
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Println("\n[sialockd] Shutting down (signal received)...")
	case <-shutdownCh:
		fmt.Println("[sialockd] Shutting down (stop command received)...")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		fmt.Fprintf(os.Stderr, "[sialockd] Shutdown error: %v\n", shutdownErr)
	}

	fmt.Println("[sialockd] Stopped")
	return nil
}

// spawnDaemon re-executes the sialockd binary as a detached background
// process. The parent process prints the child PID and exits immediately.
func spawnDaemon() error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to find executable path: %w", err)
	}

	logPath := filepath.Join(configDir, "sialockd.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	daemonArgs := []string{"serve"}
	if configDir != defaultConfigDir() {
		daemonArgs = append(daemonArgs, "--config-dir", configDir)
	}

	child := exec.Command(exePath, daemonArgs...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.Env = append(os.Environ(), "SIALOCKD_DAEMONIZED=1")

	if err := child.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	fmt.Printf("[sialockd] Daemon started in background (PID %d)\n", child.Process.Pid)
	fmt.Printf("[sialockd] Log file: %s\n", logPath)
	fmt.Println("[sialockd] Use 'sialockd stop' to stop the daemon")

	if err := child.Process.Release(); err != nil {
		fmt.Fprintf(os.Stderr, "[sialockd] Warning: failed to release child process: %v\n", err)
	}

	logFile.Close()
	return nil
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func removePIDFile(path string) {
	os.Remove(path)
}

// isLoopback checks if a remote address is a loopback address (127.x.x.x or
// ::1). Nothing in this package calls it; the /shutdown endpoint is guarded
// by the request surface's own loopback check.
func isLoopback(remoteAddr string) bool {
	host := remoteAddr
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		host = remoteAddr[:idx]
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return host == "127.0.0.1" || host == "::1" || strings.HasPrefix(host, "127.")
}

// ============================================================================
// sialockd stop — Stop the daemon
// ============================================================================

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running sialockd daemon",
	Long: `Stop a running sialockd daemon. Tries HTTP shutdown first (cross-platform),
then falls back to PID file + SIGTERM on Unix systems.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd, args)
	},
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	addr := fmt.Sprintf("http://%s", cfg.BindAddr())

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(addr+"/shutdown", "application/json", nil)
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
			fmt.Println("[sialockd] Stop signal sent to daemon")
			os.Remove(filepath.Join(configDir, "sialockd.pid"))
			return nil
		}
	}

	if runtime.GOOS == "windows" {
		return fmt.Errorf("daemon is not responding at %s — cannot stop", addr)
	}

	pidFile := filepath.Join(configDir, "sialockd.pid")
	pidBytes, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("daemon is not running (no PID file and HTTP unreachable)")
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
	if err != nil {
		return fmt.Errorf("invalid PID in %s: %w", pidFile, err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		os.Remove(pidFile)
		return fmt.Errorf("failed to stop daemon (PID %d): %w", pid, err)
	}

	os.Remove(pidFile)
	fmt.Printf("[sialockd] Sent stop signal to daemon (PID %d)\n", pid)
	return nil
}

// ============================================================================
// sialockd status — Show daemon status
// ============================================================================

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Display whether the sialockd daemon is running, its listen address, and
a summary of agent/work-unit counts. Queries the live daemon process via
its own HTTP surface.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd, args)
	},
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	addr := fmt.Sprintf("http://%s", cfg.BindAddr())
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(addr + "/health")
	if err != nil {
		fmt.Println("[sialockd] Status: NOT RUNNING")
		fmt.Printf("[sialockd] Expected at: %s\n", addr)
		return nil
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		fmt.Println("[sialockd] Status: RUNNING (could not parse health response)")
		return nil
	}

	fmt.Println("[sialockd] Status: RUNNING")
	fmt.Printf("[sialockd] Listening on: %s\n", addr)
	fmt.Printf("[sialockd] Agents: %v, Work units: %v\n", body["agents_count"], body["work_units_count"])
	return nil
}

// ============================================================================
// sialockd agents — List registered agents
// ============================================================================

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List registered agents",
	Long:  `List every agent currently known to the running daemon.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		var agents []model.Agent
		if err := getJSON(cfg, "/agents", &agents); err != nil {
			return err
		}
		if len(agents) == 0 {
			fmt.Println("No agents registered.")
			return nil
		}
		fmt.Printf("%-30s %-6s %-24s %-24s %s\n", "AGENT", "KIND", "REGISTERED", "LAST SEEN", "TTL")
		for _, a := range agents {
			fmt.Printf("%-30s %-6s %-24s %-24s %ds\n",
				a.ID, a.Kind, a.RegisteredAt.Format(time.RFC3339), a.LastSeen.Format(time.RFC3339), a.TTLSeconds)
		}
		return nil
	},
}

// ============================================================================
// sialockd work-units — List work units
// ============================================================================

var workUnitsCmd = &cobra.Command{
	Use:   "work-units",
	Short: "List work units",
	Long:  `List every work unit (claimed or available) known to the running daemon.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		var units []model.WorkUnit
		if err := getJSON(cfg, "/work-units", &units); err != nil {
			return err
		}
		if len(units) == 0 {
			fmt.Println("No work units tracked.")
			return nil
		}
		fmt.Printf("%-40s %-10s %-10s %-20s %s\n", "PATH", "TYPE", "STATUS", "OWNER", "QUEUE")
		for _, u := range units {
			owner := "-"
			if u.OwnerAgentID != nil {
				owner = *u.OwnerAgentID
			}
			fmt.Printf("%-40s %-10s %-10s %-20s %d\n", u.ResourcePath, u.Type, u.Status, owner, len(u.Queue))
		}
		return nil
	},
}

// ============================================================================
// sialockd claim / release — debug helpers that hit the daemon's own HTTP
// surface. Useful for scripting and for exercising the daemon by hand
// without writing a real agent-side client.
// ============================================================================

var (
	claimAgentID string
	claimType    string
	claimTTL     int
)

var claimCmd = &cobra.Command{
	Use:   "claim <path>",
	Short: "Claim a path on behalf of an agent (debug helper)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if claimAgentID == "" {
			return fmt.Errorf("--agent is required")
		}

		reqBody, err := json.Marshal(map[string]any{
			"agent_id":    claimAgentID,
			"path":        args[0],
			"type":        claimType,
			"ttl_seconds": claimTTL,
		})
		if err != nil {
			return err
		}

		var result model.ClaimResult
		if err := postJSON(cfg, "/work-units/claim", reqBody, &result); err != nil {
			return err
		}
		if result.Success {
			fmt.Printf("[sialockd] Claimed %q for %q\n", args[0], claimAgentID)
		} else {
			fmt.Printf("[sialockd] %q already owned by %q — queued at position %d\n", args[0], result.OwnerAgentID, result.QueuePosition)
		}
		return nil
	},
}

func init() {
	claimCmd.Flags().StringVar(&claimAgentID, "agent", "", "Agent ID claiming the path (required)")
	claimCmd.Flags().StringVar(&claimType, "type", "", "Work unit type override (file, directory, process)")
	claimCmd.Flags().IntVar(&claimTTL, "ttl", 0, "Lease TTL in seconds (0 uses the daemon's default work unit TTL)")
}

var releaseAgentID string

var releaseCmd = &cobra.Command{
	Use:   "release <path>",
	Short: "Release a path on behalf of an agent (debug helper)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if releaseAgentID == "" {
			return fmt.Errorf("--agent is required")
		}

		reqBody, err := json.Marshal(map[string]string{
			"agent_id": releaseAgentID,
			"path":     args[0],
		})
		if err != nil {
			return err
		}

		var result map[string]bool
		if err := postJSON(cfg, "/work-units/release", reqBody, &result); err != nil {
			return err
		}
		fmt.Printf("[sialockd] Released %q\n", args[0])
		return nil
	},
}

func init() {
	releaseCmd.Flags().StringVar(&releaseAgentID, "agent", "", "Agent ID releasing the path (required)")
}

// ============================================================================
// sialockd ban / unban — manage the agent ban list directly on disk. The
// running daemon's file watcher picks up the change without a restart.
// ============================================================================

var banReason string

var banCmd = &cobra.Command{
	Use:   "ban <agent-id>",
	Short: "Ban an agent from claiming or registering",
	Long: `Add an agent to the ban list. Already-owned work units are not revoked
retroactively; the ban takes effect on the agent's next Claim or Register
call. The running daemon file-watches banned.yaml and picks up the change
without a restart.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		banList, err := registry.NewBanList(filepath.Join(configDir, cfg.Classifier.BanPath))
		if err != nil {
			return fmt.Errorf("failed to load ban list: %w", err)
		}
		if err := banList.Ban(args[0], banReason, "cli"); err != nil {
			return fmt.Errorf("failed to ban agent %q: %w", args[0], err)
		}
		fmt.Printf("[sialockd] Banned agent: %s\n", args[0])
		return nil
	},
}

func init() {
	banCmd.Flags().StringVar(&banReason, "reason", "", "Reason for banning the agent")
}

var unbanCmd = &cobra.Command{
	Use:   "unban <agent-id>",
	Short: "Remove an agent from the ban list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		banList, err := registry.NewBanList(filepath.Join(configDir, cfg.Classifier.BanPath))
		if err != nil {
			return fmt.Errorf("failed to load ban list: %w", err)
		}
		if err := banList.Unban(args[0]); err != nil {
			return fmt.Errorf("failed to unban agent %q: %w", args[0], err)
		}
		fmt.Printf("[sialockd] Unbanned agent: %s\n", args[0])
		return nil
	},
}

// ============================================================================
// HTTP client helpers shared by the read-only/debug CLI commands
// ============================================================================

func getJSON(cfg *config.Config, path string, out any) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s%s", cfg.BindAddr(), path))
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", cfg.BindAddr(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request failed: %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func postJSON(cfg *config.Config, path string, body []byte, out any) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(fmt.Sprintf("http://%s%s", cfg.BindAddr(), path), "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", cfg.BindAddr(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := json.Marshal(map[string]string{})
		_ = data
		return fmt.Errorf("request failed: %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
