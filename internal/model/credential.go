package model

import "time"

type CredentialStatus string

const (
	CredentialActive  CredentialStatus = "active"
	CredentialRevoked CredentialStatus = "revoked"
)

// Credential is an encrypted-at-rest exchange API key pair. Ciphertext and
// nonce are what the store persists; the plaintext secret only exists inside
// the vault's scoped decrypt-and-use path.
type Credential struct {
	ID        string           `json:"id"`
	Exchange  string           `json:"exchange"`
	Name      string           `json:"name,omitempty"`
	ApiKey    string           `json:"-"`
	Secret    []byte           `json:"-"`
	Nonce     []byte           `json:"-"`
	Status    CredentialStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
}

// CredentialSummary is the only credential shape ever returned over the API.
// KeyPrefix is at most 8 characters of the API key followed by a redaction
// marker; the secret never appears in any form.
type CredentialSummary struct {
	ID        string           `json:"id"`
	Exchange  string           `json:"exchange"`
	Name      string           `json:"name,omitempty"`
	KeyPrefix string           `json:"key_prefix"`
	Status    CredentialStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
}
