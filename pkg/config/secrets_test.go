package config

import (
	"context"
	"encoding/json/v2"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedSecretsClient serves canned secret JSON and counts API calls.
type scriptedSecretsClient struct {
	calls   int
	secrets map[string]string
}

func (c *scriptedSecretsClient) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	c.calls++
	s, ok := c.secrets[*params.SecretId]
	if !ok {
		return nil, fmt.Errorf("secret %s not found", *params.SecretId)
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: &s}, nil
}

func TestSecretRef_Validate(t *testing.T) {
	tests := []struct {
		name    string
		ref     SecretRef
		wantErr bool
	}{
		{"no source", SecretRef{}, true},
		{"two sources", SecretRef{InsecureValue: "pw", EnvVar: "PGMASQ_BACKEND_PASSWORD"}, true},
		{"arn without key", SecretRef{AwsSecretArn: "arn:aws:secretsmanager:us-east-1:123456789:secret:pgmasq-backend"}, true},
		{"insecure only", SecretRef{InsecureValue: "pw"}, false},
		{"env only", SecretRef{EnvVar: "PGMASQ_BACKEND_PASSWORD"}, false},
		{"arn with key", SecretRef{AwsSecretArn: "arn:aws:secretsmanager:us-east-1:123456789:secret:pgmasq-backend", Key: "password"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ref.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSecretCache_GetInsecureValue(t *testing.T) {
	sc := NewSecretCache(&scriptedSecretsClient{})
	got, err := sc.Get(context.Background(), SecretRef{InsecureValue: "dev-only"})
	require.NoError(t, err)
	assert.Equal(t, "dev-only", got)
}

func TestSecretCache_GetEnvVar(t *testing.T) {
	t.Setenv("PGMASQ_TEST_SECRET", "hunter2")
	sc := NewSecretCache(&scriptedSecretsClient{})

	got, err := sc.Get(context.Background(), SecretRef{EnvVar: "PGMASQ_TEST_SECRET"})
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got)

	_, err = sc.Get(context.Background(), SecretRef{EnvVar: "PGMASQ_TEST_SECRET_MISSING"})
	assert.Error(t, err)
}

func TestSecretCache_GetFromSecretsManager(t *testing.T) {
	const arn = "arn:aws:secretsmanager:us-east-1:123456789:secret:pgmasq-users"
	client := &scriptedSecretsClient{secrets: map[string]string{
		arn: `{"app_user": "s3cret", "report_user": "other", "port": 5432}`,
	}}
	sc := NewSecretCache(client)
	ctx := context.Background()

	got, err := sc.Get(ctx, SecretRef{AwsSecretArn: arn, Key: "app_user"})
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got)

	// A second key from the same secret object reuses the cached fetch.
	got, err = sc.Get(ctx, SecretRef{AwsSecretArn: arn, Key: "report_user"})
	require.NoError(t, err)
	assert.Equal(t, "other", got)
	assert.Equal(t, 1, client.calls)

	_, err = sc.Get(ctx, SecretRef{AwsSecretArn: arn, Key: "nope"})
	assert.Error(t, err, "missing key")

	_, err = sc.Get(ctx, SecretRef{AwsSecretArn: arn, Key: "port"})
	assert.Error(t, err, "non-string value")
}

func TestSecretCache_GetUnknownArn(t *testing.T) {
	sc := NewSecretCache(&scriptedSecretsClient{secrets: map[string]string{}})
	_, err := sc.Get(context.Background(), SecretRef{
		AwsSecretArn: "arn:aws:secretsmanager:us-east-1:123456789:secret:gone",
		Key:          "password",
	})
	assert.Error(t, err)
}

func TestSecretRef_JSON(t *testing.T) {
	in := `{"aws_secret_arn":"arn:aws:secretsmanager:us-east-1:123456789:secret:pgmasq-backend","key":"password"}`

	var ref SecretRef
	require.NoError(t, json.Unmarshal([]byte(in), &ref))
	assert.Equal(t, "password", ref.Key)
	require.NoError(t, ref.Validate())

	out, err := json.Marshal(ref)
	require.NoError(t, err)
	assert.JSONEq(t, in, string(out))
}
