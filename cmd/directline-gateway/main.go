// ABOUTME: Entry point for directline-gateway, a DirectLine-compatible conversation server
// ABOUTME: Provides serve, init, token, and health commands

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/directline-gateway/internal/auth"
	"github.com/2389/directline-gateway/internal/config"
	"github.com/2389/directline-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
     _ _               _   _ _
  __| (_)_ __ ___  ___| |_| (_)_ __   ___
 / _' | | '__/ _ \/ __| __| | | '_ \ / _ \
| (_| | | | |  __/ (__| |_| | | | | |  __/
 \__,_|_|_|  \___|\___|\__|_|_|_| |_|\___|
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: directline-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                               Start the gateway server")
		fmt.Println("  init                                Create a new config file interactively")
		fmt.Println("  token --subject ID [--conversation ID] [--ttl 1h]")
		fmt.Println("                                      Mint a bearer token for a bot or client")
		fmt.Println("  health                              Check gateway health")
		os.Exit(1)
	}

	// A missing .env is normal; values may come from the real environment.
	_ = godotenv.Load()

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
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Websocket: %s\n", cfg.Server.WSAddr)
	green.Print("    ▶ ")
	fmt.Printf("Bot:       ")
	if cfg.Bot.Endpoint != "" {
		fmt.Println(cfg.Bot.Endpoint)
	} else {
		gray.Println("(none)")
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! auth disabled: every request is accepted")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting directline-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"ws_addr", cfg.Server.WSAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// tokenArgs are the flags accepted by the token command.
type tokenArgs struct {
	subject        string
	conversationID string
	ttl            time.Duration
}

// parseTokenArgs supports both "--flag value" and "--flag=value" formats.
func parseTokenArgs(args []string) (tokenArgs, error) {
	out := tokenArgs{ttl: time.Hour}

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
		case "--conversation", "-c":
			out.conversationID = strings.TrimSpace(value)
		case "--ttl":
			d, err := time.ParseDuration(value)
			if err != nil || d <= 0 {
				return out, fmt.Errorf("invalid --ttl %q", value)
			}
			out.ttl = d
		default:
			return out, fmt.Errorf("unknown flag: %s", name)
		}
	}

	if out.subject == "" {
		return out, errors.New("--subject flag is required")
	}
	return out, nil
}

// runToken mints a token signed with the configured secret. Bots use an
// unscoped token; --conversation scopes it like the start endpoint does.
func runToken(args []string) error {
	parsed, err := parseTokenArgs(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured; the gateway accepts every request")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, cfg.Auth.Audience)
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}

	token, err := verifier.Generate(parsed.subject, parsed.conversationID, parsed.ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("directline-gateway configuration setup")
	fmt.Println("======================================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", config.DefaultPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "127.0.0.1:3978")
	wsAddr := prompt(reader, "Websocket address", "127.0.0.1:3979")

	fmt.Println("\n--- Bot Configuration ---")
	botEndpoint := prompt(reader, "Bot messaging endpoint (leave empty for none)", "")
	botID := prompt(reader, "Bot id", "bot")

	fmt.Println("\n--- Auth Configuration ---")
	var jwtSecret string
	if isYes(prompt(reader, "Require bearer tokens?", "yes")) {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		jwtSecret = base64.StdEncoding.EncodeToString(secretBytes)
	}

	fmt.Println("\n--- Transcript Storage ---")
	transcriptPath := prompt(reader, "SQLite transcript path (leave empty for memory)", "")

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := isYes(prompt(reader, "Enable Tailscale?", "no"))
	var tsHostname, tsAuthKey string
	var tsEphemeral bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "directline")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		tsEphemeral = isYes(prompt(reader, "Ephemeral node?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# directline-gateway configuration\n")
	cfg.WriteString("# Generated by directline-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	cfg.WriteString(fmt.Sprintf("  ws_addr: %q\n\n", wsAddr))

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n", jwtSecret))
	cfg.WriteString("  token_ttl: \"30m\"\n\n")

	cfg.WriteString("bot:\n")
	cfg.WriteString(fmt.Sprintf("  endpoint: %q\n", botEndpoint))
	cfg.WriteString(fmt.Sprintf("  bot_id: %q\n", botID))
	cfg.WriteString("  timeout: \"10s\"\n\n")

	cfg.WriteString("transcripts:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n\n", transcriptPath))

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: %q\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// 0600 since the file may hold the JWT secret
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	if _, err := config.Load(outputFile); err != nil {
		return fmt.Errorf("generated config does not validate: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  directline-gateway serve\n")

	return nil
}

func isYes(s string) bool {
	s = strings.ToLower(s)
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
