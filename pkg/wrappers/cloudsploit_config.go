package wrappers

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/user/cloudscan/pkg/config"
	"github.com/user/cloudscan/pkg/credentials"
	"github.com/user/cloudscan/pkg/profile"
)

// awsRemediatePlugins is the static remediation allowlist for aws accounts.
var awsRemediatePlugins = []string{"bucketEncryptionInTransit"}

type awsSection struct {
	AccessKey        string   `json:"access_key"`
	SecretAccessKey  string   `json:"secret_access_key"`
	SessionToken     string   `json:"session_token,omitempty"`
	PluginsRemediate []string `json:"plugins_remediate,omitempty"`
}

type azureSection struct {
	ApplicationID  string `json:"application_id"`
	KeyValue       string `json:"key_value"`
	DirectoryID    string `json:"directory_id"`
	SubscriptionID string `json:"subscription_id"`
}

type googleSection struct {
	Project     string `json:"project"`
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
}

type oracleSection struct {
	TenancyID      string `json:"tenancy_id"`
	CompartmentID  string `json:"compartment_id"`
	UserID         string `json:"user_id"`
	KeyFingerprint string `json:"key_fingerprint"`
	KeyValue       string `json:"key_value"`
}

type githubSection struct {
	Token        string `json:"token"`
	URL          string `json:"url,omitempty"`
	Login        string `json:"login,omitempty"`
	Organization string `json:"organization,omitempty"`
}

// ConfigArtifact is the credentials block of a cloudsploit config file. Every
// provider key cloudsploit knows is present; only the scanned one is filled.
type ConfigArtifact struct {
	Credentials map[credentials.Provider]any `json:"credentials"`
}

// GenerateConfig renders the cloudsploit credentials for one account.
func GenerateConfig(account profile.Account, cred credentials.ProviderCredential) (*ConfigArtifact, error) {
	if !account.Provider.Valid() {
		return nil, config.Errorf("account '%s' has invalid provider %q", account.EnvironmentID, account.Provider)
	}
	if cred.Provider() != account.Provider.Base() {
		return nil, config.Errorf("account '%s' is %s but its credential is %s", account.EnvironmentID, account.Provider, cred.Provider())
	}
	if err := cred.Validate(); err != nil {
		return nil, config.Errorf("account '%s': %w", account.EnvironmentID, err)
	}

	var section any
	switch c := cred.(type) {
	case credentials.AWSCredential:
		s := awsSection{
			AccessKey:       c.AccessKey,
			SecretAccessKey: c.SecretAccessKey,
			SessionToken:    c.SessionToken,
		}
		if !account.Provider.Remediate() {
			s.PluginsRemediate = awsRemediatePlugins
		}
		section = s
	case credentials.AzureCredential:
		section = azureSection{
			ApplicationID:  c.ApplicationID,
			KeyValue:       c.KeyValue,
			DirectoryID:    c.DirectoryID,
			SubscriptionID: c.SubscriptionID,
		}
	case credentials.GoogleCredential:
		section = googleSection{
			Project:     c.Project,
			ClientEmail: c.ClientEmail,
			PrivateKey:  c.PrivateKey,
		}
	case credentials.OracleCredential:
		section = oracleSection{
			TenancyID:      c.TenancyID,
			CompartmentID:  c.CompartmentID,
			UserID:         c.UserID,
			KeyFingerprint: c.KeyFingerprint,
			KeyValue:       c.KeyValue,
		}
	case credentials.GitHubCredential:
		section = githubSection{
			Token:        c.Token,
			URL:          c.URL,
			Login:        c.Login,
			Organization: c.Organization,
		}
	default:
		return nil, config.Errorf("unsupported credential type %T", cred)
	}

	artifact := &ConfigArtifact{Credentials: make(map[credentials.Provider]any, len(credentials.Providers))}
	for _, p := range credentials.Providers {
		artifact.Credentials[p] = struct{}{}
	}
	artifact.Credentials[account.Provider] = section
	return artifact, nil
}

// Render returns the config as the CommonJS module cloudsploit loads.
func (a *ConfigArtifact) Render() ([]byte, error) {
	creds, err := json.MarshalIndent(a.Credentials, "  ", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode cloudsploit config: %w", err)
	}
	out := make([]byte, 0, len(creds)+48)
	out = append(out, "module.exports = {\n  credentials: "...)
	out = append(out, creds...)
	out = append(out, "\n};\n"...)
	return out, nil
}

// WriteConfig writes the artifact to path, readable by the owner only. The
// file holds live secrets; callers remove it as soon as the scan returns.
func WriteConfig(a *ConfigArtifact, path string) error {
	data, err := a.Render()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write cloudsploit config: %w", err)
	}
	return nil
}
