// Package vault encrypts, stores and retrieves exchange API credentials.
// Secrets are sealed with ChaCha20-Poly1305 under a per-installation master
// key provided via configuration; each secret gets a fresh random nonce.
//
// Loss of the master key renders every stored credential permanently
// unrecoverable. There is no recovery path; re-enrolling the exchange keys
// is the only remedy.
package vault

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/signalhook/tradegate/internal/model"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrNotFound = errors.New("credential not found")
	ErrRevoked  = errors.New("credential revoked")
)

// Store is the keyed persistence contract behind the vault. In-memory,
// embedded or networked backings all satisfy it; the vault's encryption
// contract does not depend on which one is wired.
type Store interface {
	Insert(ctx context.Context, cred *model.Credential) error
	Get(ctx context.Context, id string) (*model.Credential, error)
	List(ctx context.Context) ([]*model.Credential, error)
	UpdateStatus(ctx context.Context, id string, status model.CredentialStatus) error
}

type Vault struct {
	aead  cipher.AEAD
	store Store
}

// New builds a vault from a hex-encoded 32-byte master key.
func New(masterKeyHex string, store Store) (*Vault, error) {
	key, err := hex.DecodeString(strings.TrimSpace(masterKeyHex))
	if err != nil {
		return nil, errors.New("vault master key is not valid hex")
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.New("vault master key must be 32 bytes")
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &Vault{aead: aead, store: store}, nil
}

// Store seals the secret and persists the credential, returning its id.
// The plaintext secret is never written anywhere.
func (v *Vault) Store(ctx context.Context, exchange, name, apiKey, apiSecret string) (string, error) {
	if apiKey == "" || apiSecret == "" {
		return "", errors.New("api key and secret are required")
	}

	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	ciphertext := v.aead.Seal(nil, nonce, []byte(apiSecret), nil)

	cred := &model.Credential{
		ID:        uuid.NewString(),
		Exchange:  strings.ToLower(strings.TrimSpace(exchange)),
		Name:      name,
		ApiKey:    apiKey,
		Secret:    ciphertext,
		Nonce:     nonce,
		Status:    model.CredentialActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := v.store.Insert(ctx, cred); err != nil {
		return "", err
	}
	return cred.ID, nil
}

// WithDecrypted decrypts the credential and invokes fn with the live key
// pair. The plaintext exists only for the duration of the call; callers
// must not retain it.
func (v *Vault) WithDecrypted(ctx context.Context, id string, fn func(apiKey, apiSecret string) error) error {
	cred, err := v.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if cred.Status != model.CredentialActive {
		return ErrRevoked
	}

	plaintext, err := v.aead.Open(nil, cred.Nonce, cred.Secret, nil)
	if err != nil {
		return errors.New("credential cannot be decrypted, master key mismatch")
	}
	defer zero(plaintext)

	return fn(cred.ApiKey, string(plaintext))
}

// List returns summaries only: no secret in any form, key truncated to at
// most 8 characters ahead of the redaction marker.
func (v *Vault) List(ctx context.Context) ([]model.CredentialSummary, error) {
	creds, err := v.store.List(ctx)
	if err != nil {
		return nil, err
	}
	summaries := make([]model.CredentialSummary, 0, len(creds))
	for _, c := range creds {
		summaries = append(summaries, Summarize(c))
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.Before(summaries[j].CreatedAt)
	})
	return summaries, nil
}

func (v *Vault) Revoke(ctx context.Context, id string) error {
	return v.store.UpdateStatus(ctx, id, model.CredentialRevoked)
}

// WithActive runs fn with the most recently stored active credential for
// the given exchange, under the same scoped-plaintext rules as
// WithDecrypted. Returns ErrNotFound when no active credential exists.
func (v *Vault) WithActive(ctx context.Context, exchange string, fn func(apiKey, apiSecret string) error) error {
	creds, err := v.store.List(ctx)
	if err != nil {
		return err
	}
	exchange = strings.ToLower(strings.TrimSpace(exchange))
	var latest *model.Credential
	for _, c := range creds {
		if c.Status != model.CredentialActive || c.Exchange != exchange {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			latest = c
		}
	}
	if latest == nil {
		return ErrNotFound
	}
	return v.WithDecrypted(ctx, latest.ID, fn)
}

func Summarize(c *model.Credential) model.CredentialSummary {
	prefix := c.ApiKey
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return model.CredentialSummary{
		ID:        c.ID,
		Exchange:  c.Exchange,
		Name:      c.Name,
		KeyPrefix: prefix + "...",
		Status:    c.Status,
		CreatedAt: c.CreatedAt,
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// MemoryStore keeps credentials in process memory, used when no database
// is configured and in tests. Writes are serialized; reads are read-mostly.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]*model.Credential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]*model.Credential)}
}

func (s *MemoryStore) Insert(_ context.Context, cred *model.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[cred.ID] = cred
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*model.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cred, nil
}

func (s *MemoryStore) List(_ context.Context) ([]*model.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Credential, 0, len(s.creds))
	for _, c := range s.creds {
		out = append(out, c)
	}
	return out, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status model.CredentialStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.creds[id]
	if !ok {
		return ErrNotFound
	}
	cred.Status = status
	return nil
}
