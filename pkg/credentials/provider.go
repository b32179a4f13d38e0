package credentials

import "strings"

// Provider identifies a cloudsploit provider section. The *_remediate variants
// share credentials with their base provider.
type Provider string

const (
	AWS             Provider = "aws"
	AWSRemediate    Provider = "aws_remediate"
	Azure           Provider = "azure"
	AzureRemediate  Provider = "azure_remediate"
	Google          Provider = "google"
	GoogleRemediate Provider = "google_remediate"
	Oracle          Provider = "oracle"
	GitHub          Provider = "github"
)

const remediateSuffix = "_remediate"

// Providers lists every provider key cloudsploit recognises, in the order the
// generated config emits them.
var Providers = []Provider{
	Azure, AzureRemediate, AWS, AWSRemediate, Google, GoogleRemediate, Oracle, GitHub,
}

// Valid reports whether p is one of Providers.
func (p Provider) Valid() bool {
	for _, known := range Providers {
		if p == known {
			return true
		}
	}
	return false
}

// Base strips the remediation suffix: aws_remediate -> aws.
func (p Provider) Base() Provider {
	return Provider(strings.TrimSuffix(string(p), remediateSuffix))
}

func (p Provider) Remediate() bool {
	return strings.HasSuffix(string(p), remediateSuffix)
}
