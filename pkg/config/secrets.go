package config

import (
	"context"
	"encoding/json/v2"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretRef names where a credential lives. Client passwords and the
// backend connection string both resolve through one of these, so the
// config file never has to carry plaintext outside development setups.
// Exactly one of AwsSecretArn, InsecureValue, or EnvVar may be set.
type SecretRef struct {
	// AwsSecretArn points at an AWS Secrets Manager secret whose value
	// is a JSON object; Key selects the field to use.
	AwsSecretArn string `json:"aws_secret_arn,omitempty"`
	Key          string `json:"key,omitempty"`

	// InsecureValue is the credential in plaintext, for development only.
	InsecureValue string `json:"insecure_value,omitempty"`

	// EnvVar names an environment variable holding the credential.
	EnvVar string `json:"env_var,omitempty"`
}

// Validate rejects refs with zero or multiple sources, and ARN refs
// that do not say which JSON field to extract.
func (r SecretRef) Validate() error {
	sources := 0
	if r.AwsSecretArn != "" {
		sources++
	}
	if r.InsecureValue != "" {
		sources++
	}
	if r.EnvVar != "" {
		sources++
	}

	if sources == 0 {
		return errors.New("secret ref must have one of: aws_secret_arn, insecure_value, or env_var")
	}
	if sources > 1 {
		return errors.New("secret ref must have only one of: aws_secret_arn, insecure_value, or env_var")
	}

	if r.AwsSecretArn != "" && r.Key == "" {
		return errors.New("aws_secret_arn requires key to be set")
	}

	return nil
}

// SecretsManagerClient is the slice of the Secrets Manager API the
// cache uses, kept narrow so tests can script it.
type SecretsManagerClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretCache resolves SecretRefs, fetching each Secrets Manager ARN at
// most once. Every listener's user table resolves through the same
// cache at startup, and several users often share one secret object.
type SecretCache struct {
	mu     sync.RWMutex
	cache  map[string]map[string]any
	client SecretsManagerClient
}

// NewSecretCache builds a cache over the given client.
func NewSecretCache(client SecretsManagerClient) *SecretCache {
	return &SecretCache{
		cache:  make(map[string]map[string]any),
		client: client,
	}
}

// NewSecretCacheFromEnv builds a cache using the ambient AWS credential
// chain (env vars, shared config, instance role).
func NewSecretCacheFromEnv(ctx context.Context) (*SecretCache, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := secretsmanager.NewFromConfig(cfg)
	return NewSecretCache(client), nil
}

// Get resolves one ref to its credential value.
func (sc *SecretCache) Get(ctx context.Context, ref SecretRef) (string, error) {
	if err := ref.Validate(); err != nil {
		return "", err
	}

	if ref.InsecureValue != "" {
		return ref.InsecureValue, nil
	}

	if ref.EnvVar != "" {
		val, ok := os.LookupEnv(ref.EnvVar)
		if !ok {
			return "", fmt.Errorf("environment variable %q not set", ref.EnvVar)
		}
		return val, nil
	}

	if secretData, ok := sc.getCached(ref.AwsSecretArn); ok {
		return extractStringKey(secretData, ref.Key)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	// Another resolver may have fetched the ARN while we waited for the
	// write lock.
	if secretData, ok := sc.cache[ref.AwsSecretArn]; ok {
		return extractStringKey(secretData, ref.Key)
	}

	secretData, err := sc.fetchSecret(ctx, ref.AwsSecretArn)
	if err != nil {
		return "", err
	}

	sc.cache[ref.AwsSecretArn] = secretData
	return extractStringKey(secretData, ref.Key)
}

func (sc *SecretCache) getCached(arn string) (map[string]any, bool) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	data, ok := sc.cache[arn]
	return data, ok
}

func (sc *SecretCache) fetchSecret(ctx context.Context, arn string) (map[string]any, error) {
	output, err := sc.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &arn,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get secret %s: %w", arn, err)
	}

	if output.SecretString == nil {
		return nil, fmt.Errorf("secret %s has no string value", arn)
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(*output.SecretString), &data); err != nil {
		return nil, fmt.Errorf("failed to parse secret %s as JSON: %w", arn, err)
	}

	return data, nil
}

func extractStringKey(data map[string]any, key string) (string, error) {
	val, ok := data[key]
	if !ok {
		return "", fmt.Errorf("key %q not found in secret", key)
	}

	str, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("value at key %q is not a string (got %T)", key, val)
	}

	return str, nil
}
