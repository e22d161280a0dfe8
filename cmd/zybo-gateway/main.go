// ABOUTME: Entry point for zybo-gateway, the realtime chat and presence server
// ABOUTME: Provides serve, init, adduser, token, health and online commands

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
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

	"github.com/zybochat/zybo-gateway/internal/auth"
	"github.com/zybochat/zybo-gateway/internal/config"
	"github.com/zybochat/zybo-gateway/internal/gateway"
	"github.com/zybochat/zybo-gateway/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
          _                               _
 _____  _| |__   ___         __ _  __ _| |_ _____      ____ _ _   _
|_  / | | | '_ \ / _ \ _____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
 / /| |_| | |_) | (_) |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
/___|\__, |_.__/ \___/       \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
     |___/                   |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: ZYBO_CONFIG env var > XDG_CONFIG_HOME/zybo/gateway.yaml > ~/.config/zybo/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("ZYBO_CONFIG"); envPath != "" {
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

	return filepath.Join(configDir, "zybo", "gateway.yaml")
}

// getDataPath returns the path to the zybo data directory.
// Priority: XDG_DATA_HOME/zybo > ~/.local/share/zybo
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "zybo")
}

func usage() {
	fmt.Println("Usage: zybo-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                  Start the gateway server")
	fmt.Println("  init                   Create a new config file interactively")
	fmt.Println("  adduser --name NAME    Create a user and print an access token")
	fmt.Println("  token --user-id N      Mint an access token for an existing user")
	fmt.Println("  health                 Check gateway health")
	fmt.Println("  online --user-id N     List users and who is online, as seen by user N")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// A missing .env file is normal.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "adduser":
		err = runAddUser(ctx, args)
	case "token":
		err = runToken(ctx, args)
	case "health":
		err = runHealth(ctx)
	case "online":
		err = runOnline(ctx, args)
	case "help", "-h", "--help":
		usage()
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
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s (%s)\n", cfg.Database.Path, cfg.Database.Driver)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! auth disabled: clients are trusted by X-User-ID")
	}

	fmt.Println()

	logger.Info("starting zybo-gateway",
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
		"timezone", cfg.Chat.Timezone,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
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

// runOnline lists users through the running gateway so the online state
// reflects live connections.
func runOnline(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("online", flag.ContinueOnError)
	userID := fs.Int64("user-id", 0, "user to ask as")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID <= 0 {
		return errors.New("--user-id is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/api/users", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if cfg.Auth.JWTSecret != "" {
		token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(*userID, time.Minute)
		if err != nil {
			return fmt.Errorf("generating token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	} else {
		req.Header.Set("X-User-ID", fmt.Sprint(*userID))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("listing users: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("listing users: status %d", resp.StatusCode)
	}

	var users []gateway.UserResponse
	if err := json.NewDecoder(resp.Body).Decode(&users); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)
	for _, u := range users {
		if u.IsOnline {
			green.Print("  ● ")
		} else {
			gray.Print("  ○ ")
		}
		fmt.Printf("%-6d %s\n", u.ID, u.Username)
	}
	return nil
}

// runAddUser creates a user, writing a config with a fresh JWT secret first
// when none exists, and prints a token for the new user.
func runAddUser(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("adduser", flag.ContinueOnError)
	name := fs.String("name", "", "username")
	if err := fs.Parse(args); err != nil {
		return err
	}
	username := strings.TrimSpace(*name)
	if username == "" {
		return errors.New("--name is required")
	}
	if len(username) > 150 {
		return errors.New("username exceeds maximum length of 150 characters")
	}

	configPath := getConfigPath()
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)

	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		secret, err := generateSecret()
		if err != nil {
			return err
		}
		dbPath := filepath.Join(getDataPath(), "gateway.db")
		if err := writeConfig(configPath, defaultConfigValues(dbPath, secret)); err != nil {
			return err
		}
		green.Printf("  ✓ Created config: %s\n", configPath)
	} else {
		cyan.Printf("  Using existing config: %s\n", configPath)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	s, err := store.NewSQLiteStoreWithDriver(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	u, err := s.CreateUser(ctx, username)
	if err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	green.Printf("  ✓ Created user %q (id %d)\n", u.Username, u.ID)

	return printToken(cfg, u)
}

func runToken(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	userID := fs.Int64("user-id", 0, "user to mint a token for")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID <= 0 {
		return errors.New("--user-id is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	s, err := store.NewSQLiteStoreWithDriver(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	u, err := s.GetUser(ctx, *userID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no user with id %d", *userID)
	}
	if err != nil {
		return fmt.Errorf("loading user: %w", err)
	}

	return printToken(cfg, u)
}

func printToken(cfg *config.Config, u *store.User) error {
	if cfg.Auth.JWTSecret == "" {
		color.New(color.FgYellow).Println("  auth.jwt_secret is not set; connect with ?user_id=" + fmt.Sprint(u.ID))
		return nil
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(u.ID, cfg.Auth.TokenTTL)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println()
	fmt.Printf("  User:    %s (id %d)\n", u.Username, u.ID)
	fmt.Printf("  Expires: %s\n", time.Now().Add(cfg.Auth.TokenTTL).UTC().Format("Jan 02, 2006"))
	fmt.Printf("  Token:   %s\n", token)
	fmt.Println()
	return nil
}

func generateSecret() (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(secretBytes), nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("zybo-gateway configuration setup")
	fmt.Println("================================")
	fmt.Println()

	defaultDBPath := filepath.Join(getDataPath(), "gateway.db")

	outputFile := prompt(reader, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	secret, err := generateSecret()
	if err != nil {
		return err
	}
	v := defaultConfigValues(defaultDBPath, secret)

	fmt.Println("\n--- Server Configuration ---")
	v.GRPCAddr = prompt(reader, "gRPC address", v.GRPCAddr)
	v.HTTPAddr = prompt(reader, "HTTP address", v.HTTPAddr)

	fmt.Println("\n--- Database Configuration ---")
	v.DBDriver = prompt(reader, "SQLite driver (sqlite/sqlite3)", v.DBDriver)
	v.DBPath = prompt(reader, "SQLite database path", v.DBPath)

	fmt.Println("\n--- Tailscale Configuration ---")
	v.Tailscale = yes(prompt(reader, "Enable Tailscale?", "no"))
	if v.Tailscale {
		v.TSHostname = prompt(reader, "Tailscale hostname", "zybo")
		v.TSAuthKey = prompt(reader, "Tailscale auth key (leave empty for interactive)", "")
		v.TSEphemeral = yes(prompt(reader, "Ephemeral node?", "no"))
		v.TSFunnel = yes(prompt(reader, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Println("\n--- Chat Configuration ---")
	v.Timezone = prompt(reader, "Timezone for message timestamps", v.Timezone)
	if !yes(prompt(reader, "Require signed tokens (recommended)?", "yes")) {
		v.JWTSecret = ""
	}

	fmt.Println("\n--- Logging Configuration ---")
	v.LogLevel = prompt(reader, "Log level (debug/info/warn/error)", v.LogLevel)
	v.LogFormat = prompt(reader, "Log format (text/json)", v.LogFormat)

	if err := writeConfig(outputFile, v); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(v.DBPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", filepath.Dir(v.DBPath))
	fmt.Println("\nNext steps:")
	fmt.Println("  zybo-gateway adduser --name alice")
	fmt.Println("  zybo-gateway serve")

	return nil
}

func yes(answer string) bool {
	a := strings.ToLower(answer)
	return a == "yes" || a == "y"
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
