// ABOUTME: Entry point for the courier-client demo CLI.
// ABOUTME: Connects, authenticates, and renders runtime events to the terminal.

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	courier "github.com/2389/courier-client"
	"github.com/2389/courier-client/internal/config"
	"github.com/2389/courier-client/internal/session"
	"github.com/2389/courier-client/wire"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ ___  _   _ _ __(_) ___ _ __
 / __/ _ \| | | | '__| |/ _ \ '__|
| (_| (_) | |_| | |  | |  __/ |
 \___\___/ \__,_|_|  |_|\___|_|
`

// getConfigPath returns the path to the client config file.
// Priority: COURIER_CONFIG env var > XDG_CONFIG_HOME/courier/client.yaml > ~/.config/courier/client.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COURIER_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "client.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "courier", "client.yaml")
}

// getDataPath returns the path to the courier data directory.
// Priority: XDG_DATA_HOME/courier > ~/.local/share/courier
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "courier")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: courier-client <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  run [--mock]    Connect, authenticate, and stream events")
		fmt.Println("  init            Create a new config file interactively")
		fmt.Println("  status          Show the stored session, if any")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "run":
		err = runClient(ctx)
	case "init":
		err = runInit()
	case "status":
		err = runStatus(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runClient(ctx context.Context) error {
	useMock := false
	for _, arg := range os.Args[2:] {
		switch arg {
		case "--mock":
			useMock = true
		default:
			return fmt.Errorf("unknown flag: %s", arg)
		}
	}

	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Service: %s\n", cfg.Service.URL)
	green.Print("    ▶ ")
	fmt.Printf("Auth:    %s\n", cfg.Auth.Method)
	if useMock {
		yellow := color.New(color.FgYellow)
		yellow.Println("    ▶ mock transport (no server)")
	}
	fmt.Println()

	transport, cleanup := buildTransport(useMock, logger)
	defer cleanup()

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	if s, ok := store.(*session.SQLiteStore); ok {
		defer s.Close()
	}

	client, err := courier.New(cfg, transport, store, nil, logger)
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}
	defer client.Close()

	events, _ := client.Subscribe(ctx)
	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		renderEvents(events)
	}()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}

	switch cfg.Auth.Method {
	case "pairing":
		err = authenticatePairing(ctx, client, cfg.Auth.PhoneNumber, useMock)
	default:
		err = client.AuthenticateWithQR(ctx)
	}
	if err != nil {
		return fmt.Errorf("authenticating: %w", err)
	}

	if useMock {
		// Offline demo: push a few operations through the queue so the
		// dispatch path has something to show.
		for i := 1; i <= 3; i++ {
			payload, _ := json.Marshal(map[string]any{"demo": true, "n": i})
			if _, err := client.EnqueueOperation(payload, 3); err != nil {
				logger.Warn("enqueue failed", "error", err)
			}
		}
	}

	logger.Info("client ready", "session_id", client.Status().SessionID)

	<-ctx.Done()
	fmt.Println()
	if pending := client.PendingOperations(); len(pending) > 0 {
		logger.Warn("operations still queued", "count", len(pending))
	}
	logger.Info("shutting down")
	client.Close()
	<-rendered
	return nil
}

// buildTransport returns the websocket transport, or the in-memory mock
// backed by a scripted server for offline demos.
func buildTransport(useMock bool, logger *slog.Logger) (wire.Transport, func()) {
	if !useMock {
		t := wire.NewWebSocketTransport(logger)
		return t, func() {}
	}

	mock := wire.NewMockTransport()
	stop := scriptMockServer(mock)
	return mock, stop
}

// scriptMockServer plays the service side against a MockTransport: it
// answers qr_request with a payload and an acceptance, pairing_request
// with a code, and operations with acks.
func scriptMockServer(mock *wire.MockTransport) func() {
	var once sync.Once
	done := make(chan struct{})

	deliver := func(delay time.Duration, envType string, data any) {
		go func() {
			select {
			case <-time.After(delay):
			case <-done:
				return
			}
			env, err := wire.NewEnvelope(envType, data)
			if err != nil {
				return
			}
			mock.DeliverEnvelope(env)
		}()
	}

	mock.SendFunc = func(env *wire.Envelope) error {
		switch env.Type {
		case wire.TypeQRRequest:
			deliver(200*time.Millisecond, wire.TypeQRUpdate, map[string]string{
				"payload": "courier://pair/demo-" + time.Now().Format("150405"),
			})
			deliver(2*time.Second, wire.TypeAuthSuccess, map[string]string{
				"session_id": "mock-session",
			})
		case wire.TypePairingRequest:
			deliver(200*time.Millisecond, wire.TypePairingRequest, map[string]string{
				"code": "DEMO-0000",
			})
		case wire.TypeSessionValidate:
			deliver(100*time.Millisecond, wire.TypeAck, nil)
		case "operation":
			deliver(50*time.Millisecond, wire.TypeAck, map[string]string{"id": env.ID})
		}
		return nil
	}

	return func() { once.Do(func() { close(done) }) }
}

// openStore builds the session store: encrypted SQLite when a path and
// key are configured, in-memory otherwise.
func openStore(cfg *config.Config, logger *slog.Logger) (session.Store, error) {
	if cfg.Session.Path == "" {
		logger.Warn("no session.path configured, sessions will not survive restarts")
		return session.NewMemoryStore(), nil
	}
	if cfg.Session.Key == "" {
		return nil, fmt.Errorf("session.key is required when session.path is set")
	}

	key, err := hex.DecodeString(cfg.Session.Key)
	if err != nil {
		return nil, fmt.Errorf("decoding session.key: %w", err)
	}

	store, err := session.NewSQLiteStore(cfg.Session.Path, key, logger)
	if err != nil {
		return nil, fmt.Errorf("opening session store: %w", err)
	}
	return store, nil
}

// authenticatePairing runs the pairing flow. Against a real server the
// user types the code the service displays; the mock server's code is
// fixed, so the demo enters it automatically.
func authenticatePairing(ctx context.Context, client *courier.Client, phone string, useMock bool) error {
	errCh := make(chan error, 1)
	go func() { errCh <- client.AuthenticateWithPairing(ctx, phone) }()

	if useMock {
		time.Sleep(500 * time.Millisecond)
		if err := client.VerifyPairingCode("DEMO-0000"); err != nil {
			return err
		}
		return <-errCh
	}

	reader := bufio.NewReader(os.Stdin)
	for {
		select {
		case err := <-errCh:
			return err
		default:
		}

		fmt.Print("Enter pairing code: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return <-errCh
		}
		code := strings.TrimSpace(line)
		if code == "" {
			continue
		}
		if err := client.VerifyPairingCode(code); err != nil {
			fmt.Fprintf(os.Stderr, "  %v\n", err)
			continue
		}
		return <-errCh
	}
}

// renderEvents prints each runtime event until the channel closes.
func renderEvents(events <-chan courier.Event) {
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)
	gray := color.New(color.FgHiBlack)

	for ev := range events {
		stamp := gray.Sprint(ev.Timestamp.Format("15:04:05"))
		switch ev.Type {
		case courier.EventConnected:
			fmt.Printf("%s %s connected\n", stamp, green.Sprint("●"))
		case courier.EventDisconnected:
			fmt.Printf("%s %s disconnected\n", stamp, gray.Sprint("●"))
		case courier.EventReconnecting:
			fmt.Printf("%s %s reconnecting...\n", stamp, yellow.Sprint("●"))
		case courier.EventQRGenerated:
			data, _ := ev.Data.(courier.QRData)
			fmt.Printf("%s %s scan to authenticate: %s\n", stamp, cyan.Sprint("▣"), data.Payload)
			gray.Printf("           expires %s\n", data.ExpiresAt.Format("15:04:05"))
		case courier.EventPairingCode:
			data, _ := ev.Data.(courier.PairingData)
			fmt.Printf("%s %s pairing code: %s\n", stamp, cyan.Sprint("▣"), data.Code)
		case courier.EventAuthenticated:
			fmt.Printf("%s %s authenticated\n", stamp, green.Sprint("✓"))
		case courier.EventReady:
			fmt.Printf("%s %s ready\n", stamp, green.Sprint("✓"))
		case courier.EventReconnectExhausted:
			fmt.Printf("%s %s reconnect attempts exhausted, giving up\n", stamp, red.Sprint("✗"))
		case courier.EventError:
			data, _ := ev.Data.(courier.ErrorData)
			if data.Recoverable {
				fmt.Printf("%s %s %s\n", stamp, yellow.Sprint("!"), data.Message)
			} else {
				fmt.Printf("%s %s %s\n", stamp, red.Sprint("✗"), data.Message)
			}
		case courier.EventMessage:
			env, _ := ev.Data.(*wire.Envelope)
			if env != nil {
				fmt.Printf("%s %s %s\n", stamp, cyan.Sprint("←"), env.Type)
			}
		}
	}
}

func runStatus(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	store, err := openStore(cfg, slog.Default())
	if err != nil {
		return err
	}

	name := cfg.Service.ClientName
	if name == "" {
		name = "default"
	}

	blob, err := store.Load(ctx, name)
	if err != nil {
		if err == session.ErrNotFound {
			fmt.Println("no stored session")
			return nil
		}
		return fmt.Errorf("loading session: %w", err)
	}

	sess, err := session.DecodeSession(blob)
	if err != nil {
		return fmt.Errorf("decoding session: %w", err)
	}

	cyan := color.New(color.FgCyan)
	cyan.Println("Stored Session")
	cyan.Println("--------------")
	fmt.Printf("ID:         %s\n", sess.ID)
	fmt.Printf("Method:     %s\n", sess.AuthMethod)
	fmt.Printf("Created:    %s\n", sess.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Last seen:  %s\n", sess.ConnectedAt.Format(time.RFC3339))
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("courier-client configuration setup")
	fmt.Println("==================================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultSessionPath := filepath.Join(defaultDataPath, "sessions.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Service Configuration ---")
	serviceURL := prompt(reader, "Service URL", "wss://courier.example.com/ws")
	clientName := prompt(reader, "Client name", "courier-client")

	fmt.Println("\n--- Authentication ---")
	authMethod := prompt(reader, "Auth method (qr/pairing)", "qr")
	var phoneNumber string
	if authMethod == "pairing" {
		phoneNumber = prompt(reader, "Phone number (digits only)", "")
	}

	fmt.Println("\n--- Session Persistence ---")
	sessionPath := prompt(reader, "Session database path", defaultSessionPath)

	sealKey := make([]byte, 32)
	if _, err := rand.Read(sealKey); err != nil {
		return fmt.Errorf("generating session key: %w", err)
	}
	tokenSecret := make([]byte, 32)
	if _, err := rand.Read(tokenSecret); err != nil {
		return fmt.Errorf("generating token secret: %w", err)
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# courier-client configuration\n")
	cfg.WriteString("# Generated by courier-client init\n\n")

	cfg.WriteString("service:\n")
	cfg.WriteString(fmt.Sprintf("  url: %q\n", serviceURL))
	cfg.WriteString(fmt.Sprintf("  client_name: %q\n", clientName))
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  method: %q\n", authMethod))
	if phoneNumber != "" {
		cfg.WriteString(fmt.Sprintf("  phone_number: %q\n", phoneNumber))
	}
	cfg.WriteString("  timeout: \"120s\"\n")
	cfg.WriteString("  qr_refresh_interval: \"30s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("session:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", sessionPath))
	cfg.WriteString(fmt.Sprintf("  key: %q\n", hex.EncodeToString(sealKey)))
	cfg.WriteString(fmt.Sprintf("  token_secret: %q\n", hex.EncodeToString(tokenSecret)))
	cfg.WriteString("  token_ttl: \"720h\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("connection:\n")
	cfg.WriteString("  auto_reconnect: true\n")
	cfg.WriteString("  max_reconnect_attempts: 10\n")
	cfg.WriteString("  heartbeat_interval: \"30s\"\n")
	cfg.WriteString("  reconnect_base_delay: \"2s\"\n")
	cfg.WriteString("  reconnect_max_delay: \"60s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("rate_limits:\n")
	cfg.WriteString("  burst: 10\n")
	cfg.WriteString("  per_minute: 60\n")
	cfg.WriteString("  per_hour: 1000\n")
	cfg.WriteString("  per_day: 10000\n")
	cfg.WriteString("\n")

	cfg.WriteString("queue:\n")
	cfg.WriteString("  max_size: 1000\n")
	cfg.WriteString("  max_retries: 3\n")
	cfg.WriteString("  batch_size: 5\n")
	cfg.WriteString("  retry_delay: \"1s\"\n")
	cfg.WriteString("  dispatch_interval: \"100ms\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Config holds the sealing key and token secret.
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(sessionPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Session directory: %s\n", dataDir)
	fmt.Println("\nTo connect:")
	fmt.Printf("  courier-client run\n")
	fmt.Println("\nTo try it without a server:")
	fmt.Printf("  courier-client run --mock\n")

	return nil
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

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

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

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
