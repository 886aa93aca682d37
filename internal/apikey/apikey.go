// Package apikey issues the bearer keys that authenticate callers of the job routes.
package apikey

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/kiranshivaraju/hordetrack/pkg/models"
)

const (
	// KeyPrefix marks hordetrack keys. The first PrefixLen characters of a raw key are
	// stored in clear for lookup.
	KeyPrefix = "ht_"
	PrefixLen = 8

	secretBytes = 24
)

// Scopes a key can carry.
const (
	ScopeJobs  = "jobs"
	ScopeAdmin = "admin"
)

var ErrInvalidName = errors.New("api key name is required")

// Creator persists a new key.
type Creator interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
}

// Issued is a freshly created key. RawKey is never stored and cannot be recovered.
type Issued struct {
	Key    *models.APIKey `json:"key"`
	RawKey string         `json:"raw_key"`
}

// Generate returns a new random raw key.
func Generate() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(buf), nil
}

// Issue generates a key, hashes it with bcrypt and stores it under name. Scopes default to
// ScopeJobs.
func Issue(ctx context.Context, c Creator, name string, scopes []string) (*Issued, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}
	if len(scopes) == 0 {
		scopes = []string{ScopeJobs}
	}

	raw, err := Generate()
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash api key: %w", err)
	}

	now := time.Now().UTC()
	key := &models.APIKey{
		ID:        uuid.New(),
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: raw[:PrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.CreateAPIKey(ctx, key); err != nil {
		return nil, fmt.Errorf("store api key: %w", err)
	}
	return &Issued{Key: key, RawKey: raw}, nil
}
