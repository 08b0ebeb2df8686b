// ABOUTME: Process environment bootstrap from AWS Secrets Manager and .env files
// ABOUTME: Runs before Load so ${VAR} references in the config file can see imported values

package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/joho/godotenv"

	"github.com/2389/relay-gateway/internal/secrets"
)

// Environment variables that control the bootstrap.
const (
	EnvSecretID     = "AWS_SECRETS_MANAGER_SECRET_ID"
	EnvSecretRegion = "AWS_SECRETS_MANAGER_REGION"
	EnvSecretStage  = "AWS_SECRETS_MANAGER_VERSION_STAGE"
	EnvOverwrite    = "AWS_SECRETS_MANAGER_OVERWRITE"
	EnvFilePath     = "ENV_FILE_PATH"
)

// LoadEnv pulls variables from AWS Secrets Manager (if configured) and then
// loads a local .env file. Neither source is required; failures are logged.
func LoadEnv(ctx context.Context, defaultEnvPath string, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "config")

	if secretID := os.Getenv(EnvSecretID); secretID != "" {
		client, err := secrets.NewSecretsManagerClient(ctx, os.Getenv(EnvSecretRegion))
		if err != nil {
			logger.Warn("skipping secrets manager env import", "error", err)
		} else {
			overwrite := strings.EqualFold(os.Getenv(EnvOverwrite), "true")
			n, err := ImportSecretEnv(ctx, client, secretID, os.Getenv(EnvSecretStage), overwrite)
			if err != nil {
				logger.Warn("skipping secrets manager env import", "secret_id", secretID, "error", err)
			} else {
				logger.Info("imported env from secrets manager", "secret_id", secretID, "count", n)
			}
		}
	}

	loadDotEnv(defaultEnvPath, logger)
}

func loadDotEnv(defaultEnvPath string, logger *slog.Logger) {
	envFile := os.Getenv(EnvFilePath)
	if envFile == "" {
		envFile = defaultEnvPath
	}
	if envFile == "" {
		envFile = ".env"
	}

	// godotenv never overrides variables that are already set.
	if err := godotenv.Load(envFile); err != nil {
		if os.Getenv("KUBERNETES_SERVICE_HOST") == "" {
			logger.Debug("no .env file loaded", "path", envFile)
		}
		return
	}
	logger.Debug("loaded .env file", "path", envFile)
}

// ImportSecretEnv copies the keys of a JSON secret into the process
// environment and returns how many were set. Existing variables are kept
// unless overwrite is true.
func ImportSecretEnv(ctx context.Context, client secrets.SecretValueAPI, secretID, stage string, overwrite bool) (int, error) {
	if stage == "" {
		stage = "AWSCURRENT"
	}
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(secretID),
		VersionStage: aws.String(stage),
	})
	if err != nil {
		return 0, fmt.Errorf("fetching secret %s: %w", secretID, err)
	}

	var payload string
	switch {
	case out.SecretString != nil:
		payload = *out.SecretString
	case len(out.SecretBinary) > 0:
		payload = string(out.SecretBinary)
	default:
		return 0, fmt.Errorf("secret %s has no payload", secretID)
	}

	var kv map[string]any
	if err := json.Unmarshal([]byte(payload), &kv); err != nil {
		return 0, fmt.Errorf("parsing secret %s as JSON: %w", secretID, err)
	}

	applied := 0
	for key, val := range kv {
		if !overwrite && os.Getenv(key) != "" {
			continue
		}
		if err := os.Setenv(key, fmt.Sprint(val)); err != nil {
			return applied, fmt.Errorf("setting env %s from secret: %w", key, err)
		}
		applied++
	}
	return applied, nil
}
