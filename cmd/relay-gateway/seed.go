// ABOUTME: The seed subcommand loads tenants, globals and tool bindings from a YAML file
// ABOUTME: Stands in for the CRUD collaborator in development and demos

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/secrets"
	"github.com/2389/relay-gateway/internal/store"
)

// SeedFile is the document accepted by relay-gateway seed.
type SeedFile struct {
	Tenants []SeedTenant `yaml:"tenants"`
}

// SeedTenant describes one tenant and everything bound to it.
type SeedTenant struct {
	UUID        string       `yaml:"uuid"`
	Name        string       `yaml:"name"`
	Description string       `yaml:"description"`
	OwnerID     int64        `yaml:"owner_id"`
	Access      string       `yaml:"access_level"`
	Globals     []SeedGlobal `yaml:"globals"`
	Tools       []SeedTool   `yaml:"tools"`
}

// SeedGlobal is a tenant global. Secret values are encrypted before storing.
type SeedGlobal struct {
	Key    string `yaml:"key"`
	Value  string `yaml:"value"`
	Secret bool   `yaml:"secret"`
}

// SeedTool is a tool template plus its binding to the tenant.
type SeedTool struct {
	Name        string               `yaml:"name"`
	Description string               `yaml:"description"`
	Method      string               `yaml:"method"`
	URL         string               `yaml:"url"`
	Headers     string               `yaml:"headers"`
	Body        string               `yaml:"body"`
	TimeoutMS   int                  `yaml:"timeout_ms"`
	Instance    string               `yaml:"instance"`
	Params      map[string]SeedParam `yaml:"params"`
}

// SeedParam configures one parameter of the bound instance.
type SeedParam struct {
	Source string  `yaml:"source"`
	Value  *string `yaml:"value"`
}

// SeedResult counts what a seed run wrote.
type SeedResult struct {
	Tenants []string
	Skipped []string
	Tools   int
}

func runSeed(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: relay-gateway seed FILE")
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading seed file: %w", err)
	}
	var doc SeedFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing seed file: %w", err)
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	var cipher *secrets.Cipher
	if doc.hasSecrets() {
		cipher, err = secrets.LoadCipher(ctx, keyConfig(cfg), logger)
		if err != nil {
			return fmt.Errorf("secret globals need a master key: %w", err)
		}
	}

	result, err := seed(ctx, s, cipher, doc, logger)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	for _, id := range result.Tenants {
		green.Printf("  ✓ seeded %s\n", id)
	}
	for _, id := range result.Skipped {
		yellow.Printf("  - skipped %s (already exists)\n", id)
	}
	fmt.Printf("\n%d tools bound. Run `relay-gateway reload UUID` for gateways that are already running.\n", result.Tools)
	return nil
}

func keyConfig(cfg *config.Config) secrets.KeyConfig {
	return secrets.KeyConfig{
		MasterKey: cfg.Secrets.MasterKey,
		SecretID:  cfg.Secrets.MasterKeySecretID,
		Region:    cfg.Secrets.Region,
		JSONField: cfg.Secrets.JSONField,
	}
}

func (f SeedFile) hasSecrets() bool {
	for _, t := range f.Tenants {
		for _, g := range t.Globals {
			if g.Secret {
				return true
			}
		}
	}
	return false
}

// seed writes the document. Tenants whose UUID already exists are skipped whole.
func seed(ctx context.Context, s store.CatalogWriter, cipher *secrets.Cipher, doc SeedFile, logger *slog.Logger) (*SeedResult, error) {
	result := &SeedResult{}

	for _, st := range doc.Tenants {
		if st.UUID == "" {
			st.UUID = uuid.New().String()
		}
		level := store.AccessLevel(st.Access)
		if level != "" && !level.Valid() {
			return result, fmt.Errorf("tenant %s: unknown access_level %q", st.UUID, st.Access)
		}

		tenant := &store.Tenant{
			UUID:        st.UUID,
			OwnerID:     st.OwnerID,
			Name:        st.Name,
			Description: st.Description,
			AccessLevel: level,
		}
		err := s.CreateTenant(ctx, tenant)
		if errors.Is(err, store.ErrDuplicate) {
			result.Skipped = append(result.Skipped, st.UUID)
			continue
		}
		if err != nil {
			return result, fmt.Errorf("tenant %s: %w", st.UUID, err)
		}

		for _, g := range st.Globals {
			value := g.Value
			if g.Secret {
				if value, err = cipher.Encrypt(g.Value); err != nil {
					return result, fmt.Errorf("tenant %s: encrypting %s: %w", st.UUID, g.Key, err)
				}
			}
			if err := s.SetServerGlobal(ctx, &store.ServerGlobal{TenantID: tenant.ID, Key: g.Key, Value: value, IsSecret: g.Secret}); err != nil {
				return result, fmt.Errorf("tenant %s: global %s: %w", st.UUID, g.Key, err)
			}
		}

		for _, sp := range st.Tools {
			if err := seedTool(ctx, s, tenant, sp); err != nil {
				return result, fmt.Errorf("tenant %s: %w", st.UUID, err)
			}
			result.Tools++
		}

		logger.Info("seeded tenant", "tenant_uuid", st.UUID, "tools", len(st.Tools), "globals", len(st.Globals))
		result.Tenants = append(result.Tenants, st.UUID)
	}
	return result, nil
}

func seedTool(ctx context.Context, s store.CatalogWriter, tenant *store.Tenant, sp SeedTool) error {
	tool := &store.Tool{
		Name:        sp.Name,
		Description: sp.Description,
		Method:      sp.Method,
		URL:         sp.URL,
		Headers:     sp.Headers,
		Body:        sp.Body,
		TimeoutMS:   sp.TimeoutMS,
	}
	if err := s.CreateTool(ctx, tool); err != nil {
		return fmt.Errorf("tool %q: %w", sp.Name, err)
	}

	name := sp.Instance
	if name == "" {
		name = sp.Name
	}
	inst := &store.ToolInstance{TenantID: tenant.ID, ToolID: tool.ID, Name: name}
	if err := s.CreateToolInstance(ctx, inst); err != nil {
		return fmt.Errorf("instance %q: %w", name, err)
	}

	for param, cfg := range sp.Params {
		source := store.ParamSource(cfg.Source)
		switch source {
		case store.ParamSourceInstance, store.ParamSourceServer, store.ParamSourceExposed:
		default:
			return fmt.Errorf("instance %q: parameter %s has unknown source %q", name, param, cfg.Source)
		}
		if err := s.SetInstanceParam(ctx, &store.ParamConfig{InstanceID: inst.ID, Name: param, Source: source, Value: cfg.Value}); err != nil {
			return fmt.Errorf("instance %q: parameter %s: %w", name, param, err)
		}
	}
	return nil
}
