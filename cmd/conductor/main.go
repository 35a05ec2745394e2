// Command conductor is the orchestrator's entrypoint: it parses the
// environment, assembles an orchestrator.Orchestrator, serves the control
// plane over HTTP, and shuts down cleanly on SIGINT/SIGTERM.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/fieldstation/conductor/internal/audit"
	"github.com/fieldstation/conductor/internal/dashboard"
	"github.com/fieldstation/conductor/internal/orchestrator"
	conductorotel "github.com/fieldstation/conductor/internal/otel"
	"github.com/fieldstation/conductor/internal/telemetry"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                 Start the orchestrator's HTTP control plane
  %s watch           Attach a read-only Operator Console to a running
                      orchestrator's Update Bus (run in the same process,
                      alongside the control plane, not as a separate client)

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  ORCHESTRATOR_PORT            Listen port (default 8080)
  ORCHESTRATOR_SECRET          Control plane bearer token (required)
  WORKING_DIRECTORY            Base directory for repo checkouts (default .)
  GITHUB_ORG                   GitHub org new repos are cloned under
  MAX_CONCURRENT_REPOS         Cap on repos processing in parallel (default 4)
  MAX_CONCURRENT_SESSIONS       Cap on pooled repo sessions; when full and
                                  nothing idle is evictable, work falls back to
                                  the default workspace (default MAX_CONCURRENT_REPOS)
  MAX_QUEUE_SIZE                Cap on total queued tasks (default 200)
  MAX_TASKS_PER_USER            Cap on queued tasks per user (default 20)
  CODEX_CLI_COMMAND             Agent CLI binary (default "claude")
  CODEX_CLI_ARGS                Space-separated extra args passed to the agent CLI
  ANTHROPIC_API_KEY             Forwarded to the agent subprocess environment
  CLAUDE_TOKEN_LIMIT             Per-session token budget before history is trimmed
  CLAUDE_TOKEN_WARNING_RATIO     Fraction of CLAUDE_TOKEN_LIMIT that triggers a warning
  AGENT_SANDBOX                  "host" (default) or "docker"
  SANDBOX_IMAGE, SANDBOX_MEMORY_MB, SANDBOX_NETWORK   docker sandbox only
  OTEL_ENABLED, OTEL_EXPORTER, OTEL_ENDPOINT           "stdout"|"otlp-http"|"none"
  POLICY_FILE                    Hot-reloaded permission-guard pattern file
  AUDIT_LOG_PATH                 Base directory for logs/audit.jsonl and
                                  logs/system.jsonl (created if missing)
  ALLOW_ORIGINS                  Comma-separated CORS allowlist ("*" allows all)
  LOG_LEVEL                      debug|info|warn|error (default info)

EXAMPLES:
  Start the control plane:   %s
  Watch a running instance:  %s watch
`, os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	watchMode := false
	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "watch":
			watchMode = true
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logHome := cfg.orch.AuditLogPath
	if logHome == "" {
		logHome = cfg.orch.WorkingDirectory
	}
	// In watch mode logs go file-only so the Operator Console's terminal
	// screen isn't interleaved with log lines.
	quietLogs := watchMode && isatty.IsTerminal(os.Stdout.Fd())
	logger, closer, err := telemetry.NewLogger(logHome, cfg.logLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "port", cfg.orch.Port)

	orch, err := orchestrator.New(ctx, cfg.orch, logger)
	if err != nil {
		fatalStartup(logger, "E_ORCHESTRATOR_INIT", err)
	}

	if err := orch.Start(ctx); err != nil {
		fatalStartup(logger, "E_ORCHESTRATOR_START", err)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.orch.Port),
		Handler: orch.Handler(),
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	logger.Info("control plane listening", "addr", server.Addr)

	if watchMode {
		go func() {
			if err := dashboard.Run(ctx, orch.Snapshot, orch.RecentFeed()); err != nil && ctx.Err() == nil {
				logger.Error("operator console exited", "error", err)
			}
			stop()
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("control plane server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("orchestrator shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}

type appConfig struct {
	orch     orchestrator.Config
	logLevel string
}

func loadConfig() (appConfig, error) {
	cfg := appConfig{logLevel: envOr("LOG_LEVEL", "info")}

	secret := strings.TrimSpace(os.Getenv("ORCHESTRATOR_SECRET"))
	if secret == "" {
		return cfg, errors.New("ORCHESTRATOR_SECRET is required")
	}

	port, err := envInt("ORCHESTRATOR_PORT", 8080)
	if err != nil {
		return cfg, err
	}
	maxConcurrentRepos, err := envInt("MAX_CONCURRENT_REPOS", 4)
	if err != nil {
		return cfg, err
	}
	maxConcurrentSessions, err := envInt("MAX_CONCURRENT_SESSIONS", 0)
	if err != nil {
		return cfg, err
	}
	maxQueueSize, err := envInt("MAX_QUEUE_SIZE", 200)
	if err != nil {
		return cfg, err
	}
	maxTasksPerUser, err := envInt("MAX_TASKS_PER_USER", 20)
	if err != nil {
		return cfg, err
	}
	tokenLimit, err := envInt("CLAUDE_TOKEN_LIMIT", 100000)
	if err != nil {
		return cfg, err
	}
	tokenWarningRatio, err := envFloat("CLAUDE_TOKEN_WARNING_RATIO", 0.8)
	if err != nil {
		return cfg, err
	}
	sandboxMemMB, err := envInt64("SANDBOX_MEMORY_MB", 512)
	if err != nil {
		return cfg, err
	}
	otelEnabled, err := envBool("OTEL_ENABLED", false)
	if err != nil {
		return cfg, err
	}

	agentEnv := []string{}
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		agentEnv = append(agentEnv, "ANTHROPIC_API_KEY="+apiKey)
	}

	var allowOrigins []string
	if raw := strings.TrimSpace(os.Getenv("ALLOW_ORIGINS")); raw != "" {
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				allowOrigins = append(allowOrigins, o)
			}
		}
	}

	cfg.orch = orchestrator.Config{
		Port:                  port,
		Secret:                secret,
		WorkingDirectory:      envOr("WORKING_DIRECTORY", "."),
		GithubOrg:             os.Getenv("GITHUB_ORG"),
		MaxConcurrentRepos:    maxConcurrentRepos,
		MaxConcurrentSessions: maxConcurrentSessions,
		MaxQueueSize:          maxQueueSize,
		MaxTasksPerUser:       maxTasksPerUser,
		AgentCommand:          envOr("CODEX_CLI_COMMAND", "claude"),
		AgentArgs:             splitFields(envOr("CODEX_CLI_ARGS", "--print --output-format stream-json")),
		AgentEnv:              agentEnv,
		HistoryMaxTurns:       40,
		HistoryMaxTokens:      tokenLimit,
		TokenWarningRatio:     tokenWarningRatio,
		SandboxKind:           envOr("AGENT_SANDBOX", "host"),
		SandboxImage:          os.Getenv("SANDBOX_IMAGE"),
		SandboxMemMB:          sandboxMemMB,
		SandboxNetwork:        os.Getenv("SANDBOX_NETWORK"),
		OTel: conductorotel.Config{
			Enabled:     otelEnabled,
			Exporter:    envOr("OTEL_EXPORTER", "stdout"),
			Endpoint:    os.Getenv("OTEL_ENDPOINT"),
			ServiceName: "conductor",
		},
		PolicyFile:   os.Getenv("POLICY_FILE"),
		AuditLogPath: os.Getenv("AUDIT_LOG_PATH"),
		AllowOrigins: allowOrigins,
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func envInt64(key string, def int64) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func envFloat(key string, def float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func envBool(key string, def bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func splitFields(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	return strings.Fields(raw)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
