package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/mosbiic/pulse/internal/api"
	"github.com/mosbiic/pulse/internal/cache"
	"github.com/mosbiic/pulse/internal/config"
	"github.com/mosbiic/pulse/internal/ratelimit"
	"github.com/mosbiic/pulse/internal/source"
	"github.com/mosbiic/pulse/internal/storage"
	"github.com/mosbiic/pulse/internal/syncer"
	"github.com/mosbiic/pulse/internal/timeline"
	"github.com/mosbiic/pulse/internal/vault"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the pulse server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running pulse server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pulse system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "pulse.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// sourceQuotas are the local rate budgets per upstream, matching each
// provider's documented free-tier limits. Header-reported values observed
// during a sync override these.
func sourceQuotas() map[string]ratelimit.Quota {
	return map[string]ratelimit.Quota{
		string(source.KindTrello):  {Limit: 300, Window: 10 * time.Minute},
		string(source.KindGitHub):  {Limit: 5000, Window: time.Hour},
		string(source.KindStock):   {Limit: 2000, Window: time.Hour},
		string(source.KindWeather): {Limit: 600, Window: time.Hour},
	}
}

// ensureAPIToken makes sure a bearer token exists for the management API,
// generating and storing one in the platform secret store on first run.
func ensureAPIToken(cfg *config.Config) error {
	if cfg.API.Token != "" {
		return nil
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("generating API token: %w", err)
	}
	token := hex.EncodeToString(raw)
	if err := config.StoreSecret("api_token", token); err != nil {
		return fmt.Errorf("storing API token: %w", err)
	}
	cfg.API.Token = token
	return nil
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "pulse version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	if err := ensureAPIToken(&cfg); err != nil {
		return err
	}
	slog.Info("API bearer token available")

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("pulse is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("pulse is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open the credential vault. The master key arrives via config at
	// process start and is never written anywhere else.
	v, err := vault.New(cfg.Vault.MasterKey)
	if err != nil {
		return fmt.Errorf("opening vault: %w", err)
	}

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Build the fetch path: limiter, response cache, per-source adapters.
	limiter := ratelimit.New(sourceQuotas())
	respCache := cache.New()
	fetcher := source.NewFetcher(nil, limiter, respCache)
	ttls := source.TTLs{
		Listing: cfg.Cache.ListingTTL,
		Recent:  cfg.Cache.RecentTTL,
		Quote:   cfg.Cache.QuoteTTL,
		Weather: cfg.Cache.WeatherTTL,
	}
	adapters := []source.Adapter{
		source.NewTrello(fetcher, ttls),
		source.NewGitHub(fetcher, ttls),
		source.NewStock(fetcher, ttls),
		source.NewWeather(fetcher, ttls),
	}

	orch := syncer.New(store, v, fetcher, adapters, slog.Default(), syncer.Options{
		Lookback: time.Duration(cfg.Sync.LookbackDays) * 24 * time.Hour,
	})
	tl := timeline.New(store, cfg.Location())

	// Build HTTP handler and server.
	appHandler := api.NewAppHandler(api.AppDeps{
		Store:        store,
		Orchestrator: orch,
		Timeline:     tl,
		Vault:        v,
		Token:        cfg.API.Token,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: appHandler,
	}

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:        store,
		Orchestrator: orch,
		Timeline:     tl,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Background sync scheduler.
	if cfg.Sync.Interval > 0 {
		go runScheduler(ctx, orch, cfg.Sync.Interval)
		slog.Info("sync scheduler started", "interval", cfg.Sync.Interval)
	}

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "pulse listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// runScheduler triggers a sync of every enabled source on a fixed interval.
// Failures are logged and retried on the next tick; a partial upstream outage
// must not take the scheduler down.
func runScheduler(ctx context.Context, orch *syncer.Orchestrator, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := orch.SyncAll(ctx, false); err != nil {
				slog.Warn("scheduled sync finished with errors", "error", err)
			}
		}
	}
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("pulse is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop pulse (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to pulse (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	// Check server health.
	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	// Show per-source status if the server is up.
	if running && cfg.API.Token != "" {
		srcResp, err := apiGet(client, serverURL+"/sources", cfg.API.Token)
		if err == nil {
			var sources []struct {
				Kind     string     `json:"kind"`
				Enabled  bool       `json:"enabled"`
				LastSync *time.Time `json:"last_sync"`
			}
			if json.NewDecoder(srcResp.Body).Decode(&sources) == nil {
				for _, s := range sources {
					state := "disabled"
					if s.Enabled {
						state = "enabled"
					}
					last := "never synced"
					if s.LastSync != nil {
						last = "last sync " + s.LastSync.Local().Format("2006-01-02 15:04")
					}
					printStatus("Source "+s.Kind, "%s, %s", state, last)
				}
			}
			srcResp.Body.Close()
		}
	}

	printStatus("Timezone", "%s", cfg.Sync.Timezone)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}
