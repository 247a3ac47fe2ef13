package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
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

	"github.com/kalambet/litscout/internal/api"
	"github.com/kalambet/litscout/internal/config"
	"github.com/kalambet/litscout/internal/session"
	"github.com/kalambet/litscout/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the MCP stdio server and the upload worker (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpEnabled, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcpEnabled)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running litscout server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show litscout system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", true, "serve MCP tools over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "litscout.pid")
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

// serverRunning reports whether something answers /health on the configured port.
func serverRunning(cfg config.Config) bool {
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(healthURL)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func runServer(mcpEnabled bool) error {
	fmt.Fprintf(os.Stderr, "litscout version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	pidPath := pidFilePath(cfg.Storage.DataDir)
	if serverRunning(cfg) {
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("litscout is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("litscout is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess, err := session.Open(ctx, session.Options{Config: cfg, Progress: os.Stderr})
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing session: %v\n", err)
		}
	}()

	if cfg.Server.Token == "" {
		slog.Warn("no server.token configured; HTTP API is unauthenticated", "env", "LITSCOUT_SERVER_TOKEN")
	}

	handler := api.NewAppHandler(api.AppDeps{
		Session: sess,
		Uploads: sess.Store(),
		Sink:    sess.Recorder(),
		Token:   cfg.Server.Token,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	worker := sess.NewWorker(500 * time.Millisecond)
	go worker.Run(ctx)

	if mcpEnabled {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Session: sess, Version: version})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
				sess.Recorder().Record(telemetry.Error("mcp", err, "stdio"))
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "litscout listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
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
		printError("litscout is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop litscout (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to litscout (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	running := serverRunning(cfg)
	if running {
		printStatus("Server", "running on port %d", cfg.Server.Port)
	} else {
		printStatus("Server", "stopped")
	}

	printStatus("Embed provider", "%s", cfg.Embed.Provider)
	printStatus("Embed model", "%s", cfg.EmbedModel())
	if cfg.Embed.Provider == "ollama" {
		client := &http.Client{Timeout: 2 * time.Second}
		if resp, err := client.Get(cfg.Ollama.BaseURL + "/api/version"); err != nil {
			printStatus("Ollama", "not running")
		} else {
			resp.Body.Close()
			printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
		}
	}

	if running {
		client, err := newAPIClient()
		if err == nil {
			if resp, err := client.get(context.Background(), "/papers?limit=100"); err == nil {
				var uploads []api.UploadResponse
				if decodeJSON(resp, &uploads) == nil {
					printStatus("Uploads", "%s", countLabel(len(uploads), 100))
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
