// ABOUTME: Master key loading from configuration, environment or AWS Secrets Manager
// ABOUTME: Secrets Manager payloads may be a bare base64 key or a JSON object holding one

package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// EnvMasterKey is the environment variable consulted when no key is configured.
const EnvMasterKey = "RELAY_MASTER_KEY"

// ErrNoMasterKey is returned when no key source yields a key.
var ErrNoMasterKey = errors.New("no master key configured")

// KeyConfig names where the master key comes from. The first non-empty source wins:
// MasterKey, then SecretID (AWS Secrets Manager), then the RELAY_MASTER_KEY variable.
type KeyConfig struct {
	MasterKey string
	SecretID  string
	Region    string
	JSONField string // field to read when the secret payload is a JSON object, default "master_key"
}

// SecretValueAPI is the subset of the Secrets Manager client used here.
type SecretValueAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// LoadCipher resolves the master key and builds a Cipher.
func LoadCipher(ctx context.Context, cfg KeyConfig, logger *slog.Logger) (*Cipher, error) {
	logger = logger.With("component", "secrets")

	if cfg.MasterKey != "" {
		logger.Debug("using configured master key")
		return NewCipherFromBase64(cfg.MasterKey)
	}

	if cfg.SecretID != "" {
		client, err := NewSecretsManagerClient(ctx, cfg.Region)
		if err != nil {
			return nil, err
		}
		key, err := FetchKey(ctx, client, cfg.SecretID, cfg.JSONField)
		if err != nil {
			return nil, err
		}
		logger.Info("loaded master key from secrets manager", "secret_id", cfg.SecretID)
		return NewCipherFromBase64(key)
	}

	if key := os.Getenv(EnvMasterKey); key != "" {
		logger.Debug("using master key from environment")
		return NewCipherFromBase64(key)
	}

	return nil, ErrNoMasterKey
}

// FetchKey reads the master key from a Secrets Manager secret.
func FetchKey(ctx context.Context, client SecretValueAPI, secretID, field string) (string, error) {
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(secretID),
		VersionStage: aws.String("AWSCURRENT"),
	})
	if err != nil {
		return "", fmt.Errorf("fetching secret %s: %w", secretID, err)
	}

	var payload string
	switch {
	case out.SecretString != nil:
		payload = *out.SecretString
	case len(out.SecretBinary) > 0:
		payload = string(out.SecretBinary)
	default:
		return "", fmt.Errorf("secret %s has no payload", secretID)
	}
	payload = strings.TrimSpace(payload)

	if !strings.HasPrefix(payload, "{") {
		return payload, nil
	}

	if field == "" {
		field = "master_key"
	}
	var kv map[string]any
	if err := json.Unmarshal([]byte(payload), &kv); err != nil {
		return "", fmt.Errorf("parsing secret %s as JSON: %w", secretID, err)
	}
	value, ok := kv[field].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("secret %s has no %q field", secretID, field)
	}
	return value, nil
}

// NewSecretsManagerClient loads the default AWS config, optionally pinned to a region.
func NewSecretsManagerClient(ctx context.Context, region string) (*secretsmanager.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return secretsmanager.NewFromConfig(cfg), nil
}
