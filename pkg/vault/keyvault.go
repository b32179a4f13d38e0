package vault

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
	"github.com/rs/zerolog"

	"github.com/user/cloudscan/pkg/config"
)

type secretsAPI interface {
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
	SetSecret(ctx context.Context, name string, parameters azsecrets.SetSecretParameters, options *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error)
}

// KeyVaultStore stores secrets in Azure Key Vault, authenticating with the
// default Azure credential chain (environment, managed identity, az CLI).
type KeyVaultStore struct {
	client secretsAPI
	logger zerolog.Logger
}

// VaultURL returns the data-plane endpoint of the named vault.
func VaultURL(vaultName string) string {
	return "https://" + vaultName + ".vault.azure.net"
}

func NewKeyVaultStore(vaultName string, logger zerolog.Logger) (*KeyVaultStore, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain azure credential: %w", err)
	}
	client, err := azsecrets.NewClient(VaultURL(vaultName), cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create key vault client: %w", err)
	}
	return &KeyVaultStore{client: client, logger: logger}, nil
}

func (s *KeyVaultStore) GetSecret(ctx context.Context, name string) (string, error) {
	if err := validateKeyVaultName(name); err != nil {
		return "", err
	}
	resp, err := s.client.GetSecret(ctx, name, "", nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return "", fmt.Errorf("failed to read secret %s: %w", name, err)
	}
	if resp.Value == nil {
		return "", fmt.Errorf("%w: %s has no value", ErrNotFound, name)
	}
	return *resp.Value, nil
}

func (s *KeyVaultStore) SetSecret(ctx context.Context, name, value string) error {
	if err := validateKeyVaultName(name); err != nil {
		return err
	}
	s.logger.Debug().Str("secret", name).Int("length", len(value)).Msg("writing secret to key vault")
	if _, err := s.client.SetSecret(ctx, name, azsecrets.SetSecretParameters{Value: &value}, nil); err != nil {
		return fmt.Errorf("failed to write secret %s: %w", name, err)
	}
	return nil
}

// maxSecretNameLen is Key Vault's limit on secret names.
const maxSecretNameLen = 127

// validateKeyVaultName rejects names Key Vault would not store verbatim.
func validateKeyVaultName(name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if len(name) > maxSecretNameLen {
		return config.Errorf("invalid secretName '%s': longer than %d characters", name, maxSecretNameLen)
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-') {
			return config.Errorf("invalid secretName '%s': key vault only accepts letters, digits and '-'", name)
		}
	}
	return nil
}

var _ Store = (*KeyVaultStore)(nil)
