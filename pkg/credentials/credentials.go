package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/user/cloudscan/pkg/config"
)

// ProviderCredential is the secret material for one provider. The set of
// implementations is closed: AWSCredential, AzureCredential, GoogleCredential,
// OracleCredential and GitHubCredential.
type ProviderCredential interface {
	Provider() Provider
	// Validate reports missing required fields.
	Validate() error
	credential()
}

type AWSCredential struct {
	AccessKey       string
	SecretAccessKey string
	SessionToken    string
}

type AzureCredential struct {
	ApplicationID  string
	KeyValue       string
	DirectoryID    string
	SubscriptionID string
}

type GoogleCredential struct {
	Project     string
	ClientEmail string
	PrivateKey  string
}

type OracleCredential struct {
	TenancyID      string
	CompartmentID  string
	UserID         string
	KeyFingerprint string
	KeyValue       string
}

type GitHubCredential struct {
	Token        string
	URL          string
	Login        string
	Organization string
}

func (AWSCredential) Provider() Provider    { return AWS }
func (AzureCredential) Provider() Provider  { return Azure }
func (GoogleCredential) Provider() Provider { return Google }
func (OracleCredential) Provider() Provider { return Oracle }
func (GitHubCredential) Provider() Provider { return GitHub }

func (AWSCredential) credential()    {}
func (AzureCredential) credential()  {}
func (GoogleCredential) credential() {}
func (OracleCredential) credential() {}
func (GitHubCredential) credential() {}

func (c AWSCredential) Validate() error {
	return requireFields(AWS, field{"accessKey", c.AccessKey}, field{"secretAccessKey", c.SecretAccessKey})
}

func (c AzureCredential) Validate() error {
	return requireFields(Azure,
		field{"applicationID", c.ApplicationID},
		field{"keyValue", c.KeyValue},
		field{"directoryID", c.DirectoryID},
		field{"subscriptionID", c.SubscriptionID})
}

func (c GoogleCredential) Validate() error {
	return requireFields(Google,
		field{"project", c.Project},
		field{"clientEmail", c.ClientEmail},
		field{"privateKey", c.PrivateKey})
}

func (c OracleCredential) Validate() error {
	return requireFields(Oracle,
		field{"tenancyId", c.TenancyID},
		field{"compartmentId", c.CompartmentID},
		field{"userId", c.UserID},
		field{"keyFingerprint", c.KeyFingerprint},
		field{"keyValue", c.KeyValue})
}

func (c GitHubCredential) Validate() error {
	return requireFields(GitHub, field{"token", c.Token})
}

type field struct {
	name  string
	value string
}

func requireFields(p Provider, fields ...field) error {
	var missing []string
	for _, f := range fields {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s credential is missing %v", p, missing)
	}
	return nil
}

// Parse decodes one provider-tagged bundle as it appears in a profile
// document: {"provider": "aws", "accessKey": "...", ...}.
func Parse(raw map[string]string) (ProviderCredential, error) {
	p := Provider(raw["provider"])
	if p == "" {
		return nil, errors.New("credential has no 'provider' attribute")
	}
	switch p.Base() {
	case AWS:
		return AWSCredential{
			AccessKey:       raw["accessKey"],
			SecretAccessKey: raw["secretAccessKey"],
			SessionToken:    raw["sessionToken"],
		}, nil
	case Azure:
		return AzureCredential{
			ApplicationID:  raw["applicationID"],
			KeyValue:       raw["keyValue"],
			DirectoryID:    raw["directoryID"],
			SubscriptionID: raw["subscriptionID"],
		}, nil
	case Google:
		return GoogleCredential{
			Project:     raw["project"],
			ClientEmail: raw["clientEmail"],
			PrivateKey:  raw["privateKey"],
		}, nil
	case Oracle:
		return OracleCredential{
			TenancyID:      raw["tenancyId"],
			CompartmentID:  raw["compartmentId"],
			UserID:         raw["userId"],
			KeyFingerprint: raw["keyFingerprint"],
			KeyValue:       raw["keyValue"],
		}, nil
	case GitHub:
		return GitHubCredential{
			Token:        raw["token"],
			URL:          raw["url"],
			Login:        raw["login"],
			Organization: raw["organization"],
		}, nil
	default:
		return nil, fmt.Errorf("unknown credential provider %q", p)
	}
}

// ToRaw is the inverse of Parse.
func ToRaw(c ProviderCredential) map[string]string {
	raw := map[string]string{"provider": string(c.Provider())}
	put := func(k, v string) {
		if v != "" {
			raw[k] = v
		}
	}
	switch c := c.(type) {
	case AWSCredential:
		put("accessKey", c.AccessKey)
		put("secretAccessKey", c.SecretAccessKey)
		put("sessionToken", c.SessionToken)
	case AzureCredential:
		put("applicationID", c.ApplicationID)
		put("keyValue", c.KeyValue)
		put("directoryID", c.DirectoryID)
		put("subscriptionID", c.SubscriptionID)
	case GoogleCredential:
		put("project", c.Project)
		put("clientEmail", c.ClientEmail)
		put("privateKey", c.PrivateKey)
	case OracleCredential:
		put("tenancyId", c.TenancyID)
		put("compartmentId", c.CompartmentID)
		put("userId", c.UserID)
		put("keyFingerprint", c.KeyFingerprint)
		put("keyValue", c.KeyValue)
	case GitHubCredential:
		put("token", c.Token)
		put("url", c.URL)
		put("login", c.Login)
		put("organization", c.Organization)
	}
	return raw
}

// ParseAll decodes and validates every bundle of a profile document.
func ParseAll(raw map[string]map[string]string) (map[string]ProviderCredential, error) {
	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make(map[string]ProviderCredential, len(raw))
	for _, id := range ids {
		c, err := Parse(raw[id])
		if err != nil {
			return nil, config.Errorf("credential %q: %w", id, err)
		}
		if err := c.Validate(); err != nil {
			return nil, config.Errorf("credential %q: %w", id, err)
		}
		out[id] = c
	}
	return out, nil
}

// Resolve looks up the bundle an account refers to.
func Resolve(credentialID string, creds map[string]ProviderCredential) (ProviderCredential, error) {
	c, ok := creds[credentialID]
	if !ok {
		return nil, config.Errorf("no credentials found for credentialID: %s", credentialID)
	}
	return c, nil
}

// Marshal encodes bundles into the secret store payload.
func Marshal(creds map[string]ProviderCredential) (string, error) {
	raw := make(map[string]map[string]string, len(creds))
	for id, c := range creds {
		raw[id] = ToRaw(c)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("failed to encode credentials: %w", err)
	}
	return string(data), nil
}

// Unmarshal decodes a secret store payload written by Marshal.
func Unmarshal(payload string) (map[string]ProviderCredential, error) {
	var raw map[string]map[string]string
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, fmt.Errorf("failed to decode credentials: %w", err)
	}
	return ParseAll(raw)
}
