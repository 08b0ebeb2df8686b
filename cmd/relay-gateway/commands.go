// ABOUTME: Operator subcommands: init, keygen, token, health, tenants and reload
// ABOUTME: Talk to a running gateway over HTTP or Redis, or read the database directly

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
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/gateway"
	"github.com/2389/relay-gateway/internal/secrets"
	"github.com/2389/relay-gateway/internal/store"
)

// getDataPath returns the path to the relay data directory.
// Priority: XDG_DATA_HOME/relay > ~/.local/share/relay
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "relay")
}

// localURL is the address operator commands use to reach the gateway.
func localURL(cfg *config.Config) string {
	host, port, err := net.SplitHostPort(cfg.Server.HTTPAddr)
	if err != nil {
		return "http://" + cfg.Server.HTTPAddr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func runKeygen() error {
	key, err := secrets.GenerateKey()
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}
	fmt.Println(key)
	return nil
}

// runToken mints an admin JWT signed with admin.jwt_secret.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	subject := fs.String("subject", "operator", "token subject")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Admin.JWTSecret == "" {
		return errors.New("admin.jwt_secret is not configured")
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Admin.JWTSecret)).Generate(*subject, []string{"admin"}, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, localURL(cfg)+"/health", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	var health gateway.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decoding health response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d (%s)", resp.StatusCode, health.Status)
	}

	color.New(color.FgGreen).Print("healthy")
	fmt.Printf(" (%d tenants live)\n", health.Tenants)
	return nil
}

// runTenants lists tenants straight from the database.
func runTenants(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	tenants, err := s.ListTenants(ctx)
	if err != nil {
		return fmt.Errorf("listing tenants: %w", err)
	}
	if len(tenants) == 0 {
		fmt.Println("no tenants")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "UUID\tNAME\tACCESS\tTOOLS\tUPDATED")
	for _, t := range tenants {
		instances, err := s.ListToolInstances(ctx, t.ID)
		if err != nil {
			return fmt.Errorf("listing tools of %s: %w", t.UUID, err)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", t.UUID, t.Name, t.EffectiveAccess(), len(instances), humanize.Time(t.UpdatedAt))
	}
	return w.Flush()
}

// runReload publishes on Redis when configured, otherwise calls the admin API.
func runReload(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: relay-gateway reload UUID")
	}
	uuid := args[0]

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.Reload.RedisURL != "" {
		n, err := gateway.PublishReload(ctx, cfg.Reload.RedisURL, cfg.Reload.Channel, uuid)
		if err != nil {
			return err
		}
		fmt.Printf("reload published to %s (%s)\n", cfg.Reload.Channel, humanize.Comma(n)+" gateways")
		return nil
	}

	if cfg.Admin.JWTSecret == "" {
		return errors.New("neither reload.redis_url nor admin.jwt_secret is configured")
	}
	token, err := auth.NewJWTVerifier([]byte(cfg.Admin.JWTSecret)).Generate("cli", []string{"admin"}, time.Minute)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, localURL(cfg)+"/admin/tenants/"+uuid+"/reload", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("reload request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reload failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("relay-gateway configuration setup")
	fmt.Println("=================================")
	fmt.Println()

	defaultDbPath := filepath.Join(getDataPath(), "gateway.db")

	outputFile := prompt(reader, "Config file path", config.DefaultPath())
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")
	baseURL := prompt(reader, "Public base URL (leave empty to derive from requests)", "")
	tenantDomain := prompt(reader, "Tenant domain for <uuid>.<domain> addressing (optional)", "")
	loginURL := prompt(reader, "Login page URL", "/login")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := isYes(prompt(reader, "Enable Tailscale?", "no"))
	var tsHostname, tsAuthKey string
	var tsEphemeral, tsFunnel bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "relay-gateway")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty for TS_AUTHKEY)", "")
		tsEphemeral = isYes(prompt(reader, "Ephemeral node?", "no"))
		tsFunnel = isYes(prompt(reader, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	sessionSecret, err := randomSecret()
	if err != nil {
		return fmt.Errorf("generating session secret: %w", err)
	}
	adminSecret, err := randomSecret()
	if err != nil {
		return fmt.Errorf("generating admin secret: %w", err)
	}
	masterKey, err := secrets.GenerateKey()
	if err != nil {
		return fmt.Errorf("generating master key: %w", err)
	}

	var cfg strings.Builder
	cfg.WriteString("# relay-gateway configuration\n")
	cfg.WriteString("# Generated by relay-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	if baseURL != "" {
		cfg.WriteString(fmt.Sprintf("  base_url: %q\n", baseURL))
	}
	if tenantDomain != "" {
		cfg.WriteString(fmt.Sprintf("  tenant_domain: %q\n", tenantDomain))
	}
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n\n", dbPath))

	cfg.WriteString("secrets:\n")
	cfg.WriteString(fmt.Sprintf("  master_key: %q\n\n", masterKey))

	cfg.WriteString("oauth:\n")
	cfg.WriteString(fmt.Sprintf("  session_secret: %q\n", sessionSecret))
	cfg.WriteString(fmt.Sprintf("  login_url: %q\n\n", loginURL))

	cfg.WriteString("admin:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n\n", adminSecret))

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: %q\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
		cfg.WriteString(fmt.Sprintf("  funnel: %t\n", tsFunnel))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n\n", logFormat))

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: false\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("\n  ✓ Config written to %s\n", outputFile)
	green.Printf("  ✓ Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Println("  relay-gateway serve")
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
