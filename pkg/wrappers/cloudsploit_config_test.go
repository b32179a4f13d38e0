package wrappers

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/cloudscan/pkg/config"
	"github.com/user/cloudscan/pkg/credentials"
	"github.com/user/cloudscan/pkg/profile"
)

func renderToMap(t *testing.T, a *ConfigArtifact) map[string]json.RawMessage {
	t.Helper()
	data, err := a.Render()
	require.NoError(t, err)
	s := string(data)
	require.True(t, strings.HasPrefix(s, "module.exports = {\n  credentials: "))
	require.True(t, strings.HasSuffix(s, "\n};\n"))
	body := strings.TrimSuffix(strings.TrimPrefix(s, "module.exports = {\n  credentials: "), "\n};\n")

	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	return out
}

func TestGenerateConfig_AWSPopulatesOnlyItsSection(t *testing.T) {
	account := profile.Account{EnvironmentID: "e1", Provider: credentials.AWS, CredentialID: "c1"}
	cred := credentials.AWSCredential{AccessKey: "AK", SecretAccessKey: "SK"}

	a, err := GenerateConfig(account, cred)
	require.NoError(t, err)

	out := renderToMap(t, a)
	assert.Len(t, out, len(credentials.Providers))
	for _, p := range credentials.Providers {
		require.Contains(t, out, string(p))
		if p != credentials.AWS {
			assert.JSONEq(t, `{}`, string(out[string(p)]), "provider %s", p)
		}
	}
	assert.JSONEq(t, `{
		"access_key": "AK",
		"secret_access_key": "SK",
		"plugins_remediate": ["bucketEncryptionInTransit"]
	}`, string(out["aws"]))
}

func TestGenerateConfig_RemediateVariants(t *testing.T) {
	a, err := GenerateConfig(
		profile.Account{EnvironmentID: "e1", Provider: credentials.AWSRemediate},
		credentials.AWSCredential{AccessKey: "AK", SecretAccessKey: "SK", SessionToken: "ST"},
	)
	require.NoError(t, err)
	out := renderToMap(t, a)
	assert.JSONEq(t, `{}`, string(out["aws"]))
	assert.JSONEq(t, `{"access_key":"AK","secret_access_key":"SK","session_token":"ST"}`, string(out["aws_remediate"]))

	a, err = GenerateConfig(
		profile.Account{EnvironmentID: "e2", Provider: credentials.AzureRemediate},
		credentials.AzureCredential{ApplicationID: "app", KeyValue: "kv", DirectoryID: "dir", SubscriptionID: "sub"},
	)
	require.NoError(t, err)
	out = renderToMap(t, a)
	assert.JSONEq(t, `{"application_id":"app","key_value":"kv","directory_id":"dir","subscription_id":"sub"}`, string(out["azure_remediate"]))
	assert.JSONEq(t, `{}`, string(out["azure"]))
}

func TestGenerateConfig_EveryProvider(t *testing.T) {
	tests := []struct {
		provider credentials.Provider
		cred     credentials.ProviderCredential
		want     string
	}{
		{credentials.Google, credentials.GoogleCredential{Project: "p", ClientEmail: "e", PrivateKey: "k"},
			`{"project":"p","client_email":"e","private_key":"k"}`},
		{credentials.GoogleRemediate, credentials.GoogleCredential{Project: "p", ClientEmail: "e", PrivateKey: "k"},
			`{"project":"p","client_email":"e","private_key":"k"}`},
		{credentials.Oracle, credentials.OracleCredential{TenancyID: "t", CompartmentID: "c", UserID: "u", KeyFingerprint: "f", KeyValue: "v"},
			`{"tenancy_id":"t","compartment_id":"c","user_id":"u","key_fingerprint":"f","key_value":"v"}`},
		{credentials.GitHub, credentials.GitHubCredential{Token: "tok", Organization: "acme"},
			`{"token":"tok","organization":"acme"}`},
	}
	for _, tt := range tests {
		t.Run(string(tt.provider), func(t *testing.T) {
			a, err := GenerateConfig(profile.Account{EnvironmentID: "e", Provider: tt.provider}, tt.cred)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(renderToMap(t, a)[string(tt.provider)]))
		})
	}
}

func TestGenerateConfig_Mismatch(t *testing.T) {
	_, err := GenerateConfig(
		profile.Account{EnvironmentID: "e1", Provider: credentials.Azure},
		credentials.AWSCredential{AccessKey: "AK", SecretAccessKey: "SK"},
	)
	require.Error(t, err)
	assert.True(t, config.IsConfigError(err))

	_, err = GenerateConfig(
		profile.Account{EnvironmentID: "e1", Provider: credentials.AWS},
		credentials.AWSCredential{AccessKey: "AK"},
	)
	require.Error(t, err)
	assert.True(t, config.IsConfigError(err))
	assert.Contains(t, err.Error(), "secretAccessKey")

	_, err = GenerateConfig(
		profile.Account{EnvironmentID: "e1", Provider: "gcp"},
		credentials.GoogleCredential{Project: "p", ClientEmail: "e", PrivateKey: "k"},
	)
	assert.True(t, config.IsConfigError(err))
}

func TestWriteConfig_OwnerOnly(t *testing.T) {
	a, err := GenerateConfig(
		profile.Account{EnvironmentID: "e1", Provider: credentials.GitHub},
		credentials.GitHubCredential{Token: "tok"},
	)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "cloudsploit-config-e1.js")
	require.NoError(t, WriteConfig(a, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"token": "tok"`)
}
