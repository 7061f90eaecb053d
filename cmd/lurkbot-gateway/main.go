// ABOUTME: Entry point for lurkbot-gateway, the client protocol server
// ABOUTME: Subcommands serve the gateway, write config, mint tokens and probe health

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/lurkbot/lurkbot-gateway/internal/auth"
	"github.com/lurkbot/lurkbot-gateway/internal/config"
	"github.com/lurkbot/lurkbot-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _            _    _           _
| |_   _ _ __| | _| |__   ___ | |_
| | | | | '__| |/ / '_ \ / _ \| __|
| | |_| | |  |   <| |_) | (_) | |_
|_|\__,_|_|  |_|\_\_.__/ \___/ \__|   gateway
`

const defaultTokenTTL = 30 * 24 * time.Hour

// getConfigPath returns the path to the gateway config file.
// Priority: LURKBOT_CONFIG env var > XDG_CONFIG_HOME/lurkbot/gateway.yaml > ~/.config/lurkbot/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv(config.EnvConfigPath); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "lurkbot", "gateway.yaml")
}

// getDataPath returns the path to the lurkbot data directory.
// Priority: XDG_DATA_HOME/lurkbot > ~/.local/share/lurkbot
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "lurkbot")
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: lurkbot-gateway <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                          Start the gateway server")
	fmt.Fprintln(w, "  init                           Create a new config file interactively")
	fmt.Fprintln(w, "  token --subject NAME [--ttl D] Issue a handshake token")
	fmt.Fprintln(w, "  fingerprint KEYFILE            Print the pairing fingerprint of a public key")
	fmt.Fprintln(w, "  health                         Check gateway health")
	fmt.Fprintln(w, "  ready                          Show readiness and connection count")
	fmt.Fprintln(w, "  version                        Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stdout)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken(os.Args[2:])
	case "fingerprint":
		err = runFingerprint(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "ready":
		err = runReady(ctx)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage(os.Stderr)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)
	gateway.Version = version

	green := color.New(color.FgGreen)
	printAddr := func(label, addr string) {
		if addr == "" {
			return
		}
		green.Print("    ▶ ")
		fmt.Printf("%-10s %s\n", label+":", addr)
	}
	printAddr("Config", configPath)
	printAddr("Stream", cfg.Server.Addr)
	printAddr("HTTP", cfg.Server.HTTPAddr)
	printAddr("gRPC", cfg.Server.GRPCAddr)
	printAddr("Store", cfg.Store.Driver)
	green.Print("    ▶ ")
	fmt.Printf("%-10s %d..%d\n", "Protocol:", cfg.Protocol.Min, cfg.Protocol.Max)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("%-10s ", "Tailscale:")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()

	logger.Info("starting lurkbot-gateway",
		"config", configPath,
		"addr", cfg.Server.Addr,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	} else {
		handler = &colorHandler{
			out:   w,
			mu:    &sync.Mutex{},
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	out    io.Writer
	mu     *sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}

	// Handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, buf.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	for _, a := range attrs {
		newAttrs = append(newAttrs, slog.Attr{Key: prefix + a.Key, Value: a.Value})
	}
	return &colorHandler{
		out:    h.out,
		mu:     h.mu,
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		out:    h.out,
		mu:     h.mu,
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// healthURL builds a URL on the gateway's HTTP listener.
func healthURL(cfg *config.Config, path string) (string, error) {
	if cfg.Server.HTTPAddr == "" {
		return "", fmt.Errorf("server.http_addr is not configured")
	}
	return fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path), nil
}

func getHTTP(ctx context.Context, path string) (int, string, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return 0, "", fmt.Errorf("loading config: %w", err)
	}
	url, err := healthURL(cfg, path)
	if err != nil {
		return 0, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, "", fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, string(body), nil
}

func runHealth(ctx context.Context) error {
	code, _, err := getHTTP(ctx, "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if code != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", code)
	}
	fmt.Println("healthy")
	return nil
}

func runReady(ctx context.Context) error {
	code, body, err := getHTTP(ctx, "/health/ready")
	if err != nil {
		return fmt.Errorf("readiness check failed: %w", err)
	}
	fmt.Println(body)
	if code != http.StatusOK {
		return fmt.Errorf("not ready: status %d", code)
	}
	return nil
}

type tokenArgs struct {
	subject string
	ttl     time.Duration
	scopes  []string
}

// parseTokenArgs supports both "--flag value" and "--flag=value" formats.
func parseTokenArgs(args []string) (tokenArgs, error) {
	out := tokenArgs{ttl: defaultTokenTTL}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		if !strings.HasPrefix(name, "-") {
			return out, fmt.Errorf("unexpected argument: %s", arg)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return out, fmt.Errorf("%s requires a value", name)
			}
			value = args[i+1]
			i++
		}

		switch name {
		case "--subject", "-s":
			out.subject = strings.TrimSpace(value)
		case "--ttl":
			d, err := time.ParseDuration(value)
			if err != nil || d <= 0 {
				return out, fmt.Errorf("invalid --ttl %q", value)
			}
			out.ttl = d
		case "--scope":
			out.scopes = append(out.scopes, value)
		default:
			return out, fmt.Errorf("unknown flag: %s", name)
		}
	}
	if out.subject == "" {
		return out, fmt.Errorf("--subject flag is required")
	}
	return out, nil
}

// runToken mints a handshake token signed with the configured secret.
func runToken(args []string) error {
	ta, err := parseTokenArgs(args)
	if err != nil {
		return err
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret not configured in %s (required for tokens)", configPath)
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Issue(ta.subject, ta.ttl, ta.scopes...)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}

	fmt.Println(token)
	color.New(color.FgHiBlack).Fprintf(os.Stderr, "subject %s, expires %s\n",
		ta.subject, time.Now().Add(ta.ttl).UTC().Format("Jan 02, 2006"))
	return nil
}

// runFingerprint prints what to add to auth.paired_keys for a device key.
func runFingerprint(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: lurkbot-gateway fingerprint KEYFILE")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading key: %w", err)
	}
	fp, err := auth.FingerprintFromAuthorizedKey(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("parsing key: %w", err)
	}
	fmt.Println(fp)
	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("lurkbot-gateway configuration setup")
	fmt.Println("===================================")
	fmt.Println()

	defaultDbPath := filepath.Join(getDataPath(), "gateway.db")

	outputFile := prompt(reader, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	addr := prompt(reader, "Stream (NDJSON) address", "127.0.0.1:18789")
	httpAddr := prompt(reader, "HTTP address", "127.0.0.1:18790")
	grpcAddr := prompt(reader, "gRPC health address (leave empty to disable)", "")

	fmt.Println("\n--- Store Configuration ---")
	driver := prompt(reader, "Store driver (memory/sqlite/redis)", "sqlite")
	var dbPath, redisAddr string
	switch driver {
	case "sqlite":
		dbPath = prompt(reader, "SQLite database path", defaultDbPath)
	case "redis":
		redisAddr = prompt(reader, "Redis address", "127.0.0.1:6379")
	}

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := isYes(prompt(reader, "Enable Tailscale?", "no"))
	var tsHostname, tsAuthKey string
	var tsEphemeral bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "lurkbot")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty for interactive)", "")
		tsEphemeral = isYes(prompt(reader, "Ephemeral node?", "no"))
	}

	fmt.Println("\n--- Auth Configuration ---")
	requireAuth := isYes(prompt(reader, "Require credentials on every connection?", "yes"))

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	secret, err := randomSecret()
	if err != nil {
		return err
	}

	var cfg strings.Builder
	cfg.WriteString("# lurkbot-gateway configuration\n")
	cfg.WriteString("# Generated by lurkbot-gateway init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  addr: %q\n", addr)
	fmt.Fprintf(&cfg, "  http_addr: %q\n", httpAddr)
	if grpcAddr != "" {
		fmt.Fprintf(&cfg, "  grpc_addr: %q\n", grpcAddr)
	}
	cfg.WriteString("\n")

	cfg.WriteString("store:\n")
	fmt.Fprintf(&cfg, "  driver: %q\n", driver)
	if dbPath != "" {
		fmt.Fprintf(&cfg, "  path: %q\n", dbPath)
	}
	if redisAddr != "" {
		fmt.Fprintf(&cfg, "  redis_addr: %q\n", redisAddr)
	}
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", tailscaleEnabled)
	if tailscaleEnabled {
		fmt.Fprintf(&cfg, "  hostname: %q\n", tsHostname)
		if tsAuthKey != "" {
			fmt.Fprintf(&cfg, "  auth_key: %q\n", tsAuthKey)
		}
		fmt.Fprintf(&cfg, "  ephemeral: %t\n", tsEphemeral)
	}
	cfg.WriteString("\n")

	cfg.WriteString("protocol:\n")
	cfg.WriteString("  min: 3\n")
	cfg.WriteString("  max: 3\n")
	cfg.WriteString("  handshake_timeout: \"10s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	fmt.Fprintf(&cfg, "  jwt_secret: %q\n", secret)
	fmt.Fprintf(&cfg, "  required: %t\n", requireAuth)
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n", logFormat)
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// The file carries the token secret.
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	green := color.New(color.FgGreen)
	green.Printf("\n  ✓ Config written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Println("  lurkbot-gateway serve")
	fmt.Println("To issue a client token:")
	fmt.Println("  lurkbot-gateway token --subject my-laptop")

	return nil
}

func isYes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
