// Package secrets resolves deployment-level secret overrides. The service
// ships with embedded defaults (notably the content-guard passphrase), so
// every provider here is optional: a deployment that configures nothing
// still starts. Lookup order is Vault, then AWS, then plain environment.
package secrets

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	vault "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"

	"aurapaste/svc/util"
)

var ErrNotFound = errors.New("secret not found")

// GuardKeyName is the secret both providers are asked for when the
// content-guard passphrase is overridden per deployment.
const GuardKeyName = "GUARD_KEY"

type Provider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

type Resolver struct {
	providers []Provider
}

// NewResolver probes the configured providers. A provider that fails its
// health check is skipped with a warning, not a startup failure.
func NewResolver(ctx context.Context) *Resolver {
	var providers []Provider
	if addr := os.Getenv("VAULT_ADDR"); addr != "" {
		vp, err := newVaultProvider(ctx)
		if err != nil {
			util.Warn().Err(err).Msg("vault unavailable, skipping provider")
		} else {
			providers = append(providers, vp)
		}
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		ap, err := newAWSProvider(ctx)
		if err != nil {
			util.Warn().Err(err).Msg("aws unavailable, skipping provider")
		} else {
			providers = append(providers, ap)
		}
	}
	providers = append(providers, envProvider{})
	return &Resolver{providers: providers}
}

// Get walks the provider chain and returns the first hit. ErrNotFound
// means no provider carries the secret, which for optional overrides is
// not an error condition.
func (r *Resolver) Get(ctx context.Context, name string) (string, error) {
	for _, p := range r.providers {
		val, err := p.GetSecret(ctx, name)
		if err == nil && val != "" {
			return val, nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			util.Warn().Err(err).Str("secret", name).Msg("secret provider lookup failed")
		}
	}
	return "", ErrNotFound
}

// GuardKey resolves the content-guard passphrase override. Empty string
// means no override is configured and the embedded default applies.
func (r *Resolver) GuardKey(ctx context.Context) string {
	val, err := r.Get(ctx, GuardKeyName)
	if err != nil {
		return ""
	}
	return val
}

type vaultProvider struct {
	client     *vault.Client
	secretPath string
}

func newVaultProvider(ctx context.Context) (*vaultProvider, error) {
	vcfg := vault.DefaultConfig()
	vcfg.Address = os.Getenv("VAULT_ADDR")
	vcfg.Timeout = 5 * time.Second
	client, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, err
	}
	if tokenFile := os.Getenv("VAULT_TOKEN_FILE"); tokenFile != "" {
		tokenBytes, err := os.ReadFile(tokenFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read VAULT_TOKEN_FILE: %w", err)
		}
		client.SetToken(strings.TrimSpace(string(tokenBytes)))
	} else if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(healthCtx); err != nil {
		return nil, fmt.Errorf("vault health check failed: %w", err)
	}
	return &vaultProvider{
		client:     client,
		secretPath: getEnvOrDefault("VAULT_SECRET_PATH", "secret/data/aurapaste"),
	}, nil
}

func (v *vaultProvider) GetSecret(ctx context.Context, name string) (string, error) {
	path := fmt.Sprintf("%s/%s", v.secretPath, name)
	secret, err := v.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", err
	}
	if secret == nil || secret.Data == nil {
		return "", ErrNotFound
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", errors.New("vault: invalid secret format")
	}
	value, ok := data["value"].(string)
	if !ok {
		return "", errors.New("vault: value not found")
	}
	return value, nil
}

// awsProvider reads from Secrets Manager, with a KMS-decrypt path for
// secrets delivered as wrapped ciphertext blobs (<name>_KMS_CIPHERTEXT in
// the environment, base64).
type awsProvider struct {
	smClient  *secretsmanager.Client
	kmsClient *kms.Client
	prefix    string
}

func newAWSProvider(ctx context.Context) (*awsProvider, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(os.Getenv("AWS_REGION")),
	)
	if err != nil {
		return nil, err
	}
	return &awsProvider{
		smClient:  secretsmanager.NewFromConfig(awsCfg),
		kmsClient: kms.NewFromConfig(awsCfg),
		prefix:    getEnvOrDefault("AWS_SECRET_PREFIX", "aurapaste/"),
	}, nil
}

func (a *awsProvider) GetSecret(ctx context.Context, name string) (string, error) {
	if blob := os.Getenv(name + "_KMS_CIPHERTEXT"); blob != "" {
		ciphertext, err := base64.StdEncoding.DecodeString(blob)
		if err != nil {
			return "", fmt.Errorf("%s_KMS_CIPHERTEXT must be base64: %w", name, err)
		}
		result, err := a.kmsClient.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: ciphertext})
		if err != nil {
			return "", fmt.Errorf("aws kms decrypt failed: %w", err)
		}
		plaintext := string(result.Plaintext)
		util.Wipe(result.Plaintext)
		return plaintext, nil
	}
	secretID := a.prefix + name
	result, err := a.smClient.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &secretID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", secretID, err)
	}
	if result.SecretString == nil {
		return "", errors.New("secret is binary, not string")
	}
	return *result.SecretString, nil
}

type envProvider struct{}

func (envProvider) GetSecret(_ context.Context, name string) (string, error) {
	val, exists := os.LookupEnv(name)
	if !exists {
		return "", ErrNotFound
	}
	return val, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
