// Package credentials seals provider credentials at rest and resolves stored
// connections into usable credentials.
package credentials

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/qualys/nhi/internal/connectors"
	"github.com/qualys/nhi/internal/models"
)

const nonceSize = 24

var (
	// ErrWrongOrg is returned when an actor resolves a connection owned by another organisation.
	ErrWrongOrg = errors.New("connection belongs to another organisation")
	// ErrDecrypt is returned when a sealed blob cannot be opened with the configured key.
	ErrDecrypt = errors.New("decrypting credentials")
)

// Sealer encrypts credential blobs with a 32 byte secretbox key.
type Sealer struct {
	key [32]byte
}

// NewSealer decodes a base64 encoded 32 byte key.
func NewSealer(encodedKey string) (*Sealer, error) {
	raw, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decoding encryption key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(raw))
	}
	s := &Sealer{}
	copy(s.key[:], raw)
	return s, nil
}

type payload struct {
	AWS    *connectors.AWSCredentials    `json:"aws,omitempty"`
	GitHub *connectors.GitHubCredentials `json:"github,omitempty"`
}

// Seal encrypts creds. The nonce is prepended to the box.
func (s *Sealer) Seal(creds *connectors.Credentials) ([]byte, error) {
	plain, err := json.Marshal(payload{AWS: creds.AWS, GitHub: creds.GitHub})
	if err != nil {
		return nil, fmt.Errorf("marshaling credentials: %w", err)
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plain, &nonce, &s.key), nil
}

// Open decrypts a sealed blob for provider.
func (s *Sealer) Open(provider models.Provider, sealed []byte) (*connectors.Credentials, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, ErrDecrypt
	}

	var p payload
	if err := json.Unmarshal(plain, &p); err != nil {
		return nil, fmt.Errorf("unmarshaling credentials: %w", err)
	}

	creds := &connectors.Credentials{Provider: provider}
	switch provider {
	case models.ProviderAWS:
		if p.AWS == nil {
			return nil, &connectors.ConnectionError{Provider: string(provider), Reason: "missing aws credentials"}
		}
		creds.AWS = p.AWS
	case models.ProviderGitHub:
		if p.GitHub == nil || p.GitHub.Token == "" {
			return nil, &connectors.ConnectionError{Provider: string(provider), Reason: "missing github token"}
		}
		creds.GitHub = p.GitHub
	default:
		return nil, fmt.Errorf("unsupported provider %q", provider)
	}
	return creds, nil
}

// Store loads connection rows.
type Store interface {
	GetConnection(ctx context.Context, id uuid.UUID) (*models.Connection, error)
}

// Resolver implements connectors.CredentialResolver on top of the connections table.
type Resolver struct {
	store  Store
	sealer *Sealer
}

func NewResolver(store Store, sealer *Sealer) *Resolver {
	return &Resolver{store: store, sealer: sealer}
}

// Resolve loads and opens a connection. The actor must belong to the
// connection's organisation.
func (r *Resolver) Resolve(ctx context.Context, connectionID uuid.UUID, actor models.Actor) (*connectors.Credentials, error) {
	conn, err := r.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("loading connection: %w", err)
	}
	if actor.OrgID != conn.OrgID {
		return nil, ErrWrongOrg
	}
	return r.sealer.Open(conn.Provider, conn.Sealed)
}
