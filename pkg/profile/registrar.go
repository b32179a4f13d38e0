package profile

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/user/cloudscan/pkg/config"
	"github.com/user/cloudscan/pkg/credentials"
	"github.com/user/cloudscan/pkg/vault"
)

// Registrar turns the -p/-c command line inputs into a ready ScanProfile,
// registering new products on first use.
type Registrar struct {
	store   *Store
	secrets vault.Store
	logger  zerolog.Logger
}

func NewRegistrar(store *Store, secrets vault.Store, logger zerolog.Logger) *Registrar {
	return &Registrar{store: store, secrets: secrets, logger: logger}
}

// Resolve picks the profile to run. A config file wins for first registration;
// once a product is registered its persisted profile is used and the file is
// ignored. With neither a file nor a persisted profile it fails.
func (r *Registrar) Resolve(ctx context.Context, product, configPath string) (*ScanProfile, error) {
	var doc *Document
	if configPath != "" {
		var err error
		doc, err = LoadFile(configPath)
		if err != nil {
			return nil, err
		}
		if doc.Product.Name == "" {
			return nil, config.Errorf("invalid configuration file: 'product.name' not found in configs")
		}
		if product != "" && product != doc.Product.Name {
			r.logger.Warn().Str("flag", product).Str("file", doc.Product.Name).Msg("product flag ignored, using product.name from the configuration file")
		}
		product = doc.Product.Name
	}
	if product == "" {
		return nil, config.Errorf("one of --product or --config is required")
	}
	if err := ValidateProductName(product); err != nil {
		return nil, err
	}

	if r.store.Exists(product) {
		if doc != nil {
			r.logger.Info().Str("product", product).Msg("configuration for this product is already available and the run will use it; use 'cloudscan register' to update it")
		}
		return r.load(ctx, product)
	}

	if doc == nil {
		return nil, config.Errorf("cannot find internal configs for the product '%s'; run cloudscan -c with a valid configuration file", product)
	}

	r.logger.Info().Str("product", product).Msg("new product configuration found, registering it")
	return r.register(ctx, doc)
}

// Register replaces the stored profile and credentials of the product named in
// the file.
func (r *Registrar) Register(ctx context.Context, configPath string) (*ScanProfile, error) {
	doc, err := LoadFile(configPath)
	if err != nil {
		return nil, err
	}
	return r.register(ctx, doc)
}

func (r *Registrar) register(ctx context.Context, doc *Document) (*ScanProfile, error) {
	p, err := FromDocument(doc)
	if err != nil {
		return nil, err
	}
	payload, err := credentials.Marshal(p.Credentials)
	if err != nil {
		return nil, err
	}
	if err := r.secrets.SetSecret(ctx, p.ProductName, payload); err != nil {
		return nil, fmt.Errorf("failed to store credentials: %w", err)
	}
	if err := r.store.Save(p); err != nil {
		return nil, err
	}
	r.logger.Info().Str("product", p.ProductName).Str("path", r.store.Path(p.ProductName)).Int("accounts", len(p.Accounts)).Msg("product registered")
	return p, nil
}

func (r *Registrar) load(ctx context.Context, product string) (*ScanProfile, error) {
	doc, err := r.store.Load(product)
	if err != nil {
		return nil, err
	}
	payload, err := r.secrets.GetSecret(ctx, product)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return nil, config.Errorf("credentials for product '%s' not found in the secret store; re-register with 'cloudscan register'", product)
		}
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}
	creds, err := credentials.Unmarshal(payload)
	if err != nil {
		return nil, err
	}
	p := &ScanProfile{
		CompanyID:   doc.Company.ID,
		ProductName: doc.Product.Name,
		Accounts:    doc.Scans.Accounts,
		Credentials: creds,
	}
	if err := Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}
