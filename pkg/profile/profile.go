package profile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/user/cloudscan/pkg/config"
	"github.com/user/cloudscan/pkg/credentials"
)

type Company struct {
	ID string `json:"id,omitempty" yaml:"id,omitempty"`
}

type Product struct {
	Name string `json:"name" yaml:"name"`
}

// Account is one cloud target, identified by EnvironmentID.
type Account struct {
	EnvironmentID string               `json:"environmentId" yaml:"environmentId"`
	Provider      credentials.Provider `json:"provider" yaml:"provider"`
	CredentialID  string               `json:"credentialID" yaml:"credentialID"`
}

type Scans struct {
	Accounts []Account `json:"accounts" yaml:"accounts"`
}

// Document is the registration file layout. The persisted copy never carries
// Credentials.
type Document struct {
	Company     Company                      `json:"company" yaml:"company"`
	Product     Product                      `json:"product" yaml:"product"`
	Scans       Scans                        `json:"scans" yaml:"scans"`
	Credentials map[string]map[string]string `json:"credentials,omitempty" yaml:"credentials,omitempty"`
}

// ScanProfile is a validated document with decoded credentials.
type ScanProfile struct {
	CompanyID   string
	ProductName string
	Accounts    []Account
	Credentials map[string]credentials.ProviderCredential
}

// LoadFile reads a registration document. JSON and YAML are both accepted.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, config.Errorf("failed to read profile file: %w", err)
	}
	var doc Document
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		err = json.Unmarshal(data, &doc)
	} else {
		err = yaml.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, config.Errorf("failed to parse profile file %s: %w", path, err)
	}
	return &doc, nil
}

// FromDocument decodes the credentials of doc and validates the result.
func FromDocument(doc *Document) (*ScanProfile, error) {
	if doc.Product.Name == "" {
		return nil, config.Errorf("invalid configuration file: 'product.name' not found in configs")
	}
	if len(doc.Credentials) == 0 {
		return nil, config.Errorf("credentials configs not found or empty")
	}
	creds, err := credentials.ParseAll(doc.Credentials)
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

// Document returns the persistable form of p, without credentials.
func (p *ScanProfile) Document() *Document {
	return &Document{
		Company: Company{ID: p.CompanyID},
		Product: Product{Name: p.ProductName},
		Scans:   Scans{Accounts: p.Accounts},
	}
}

// ValidateProductName rejects names that cannot be used as a directory name.
func ValidateProductName(name string) error {
	if name == "" {
		return config.Errorf("product name is required")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return config.Errorf("product name '%s' cannot be used as a directory name", name)
	}
	return nil
}

// Validate checks the account invariants: unique environmentId, known
// provider, resolvable credentialID whose bundle matches the provider.
func Validate(p *ScanProfile) error {
	if err := ValidateProductName(p.ProductName); err != nil {
		return err
	}
	if len(p.Accounts) == 0 {
		return config.Errorf("scans.accounts not found or empty")
	}
	if len(p.Credentials) == 0 {
		return config.Errorf("credentials configs not found or empty")
	}

	var errs []error
	seen := make(map[string]bool, len(p.Accounts))
	for i, a := range p.Accounts {
		switch {
		case a.EnvironmentID == "":
			errs = append(errs, fmt.Errorf("account #%d has no 'environmentId'", i+1))
		case seen[a.EnvironmentID]:
			errs = append(errs, fmt.Errorf("environmentId '%s' is duplicated in multiple account configs", a.EnvironmentID))
		default:
			seen[a.EnvironmentID] = true
		}

		if !a.Provider.Valid() {
			errs = append(errs, fmt.Errorf("account '%s' has no/invalid provider %q", a.EnvironmentID, a.Provider))
		}

		if a.CredentialID == "" {
			errs = append(errs, fmt.Errorf("account '%s' has no 'credentialID'", a.EnvironmentID))
			continue
		}
		c, ok := p.Credentials[a.CredentialID]
		if !ok {
			errs = append(errs, fmt.Errorf("account '%s' refers to credentialID '%s' which is not found in credentials", a.EnvironmentID, a.CredentialID))
			continue
		}
		if a.Provider.Valid() && c.Provider() != a.Provider.Base() {
			errs = append(errs, fmt.Errorf("account '%s' is %s but credential '%s' is %s", a.EnvironmentID, a.Provider, a.CredentialID, c.Provider()))
		}
	}
	if len(errs) > 0 {
		return &config.ConfigError{Err: errors.Join(errs...)}
	}
	return nil
}
