package redact

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/labelforge/labeld/internal/storage"
)

// MinSecretLen is the minimum pseudonym secret length in bytes.
const MinSecretLen = 32

// ErrSecretTooShort is returned for secrets under MinSecretLen bytes.
var ErrSecretTooShort = errors.New("pseudonym secret must be at least 32 bytes")

// Pseudonymizer derives deterministic labeler pseudonyms. The derivation
// is keyed per tenant so the same external id yields different pseudonyms
// under different tenants.
type Pseudonymizer struct {
	secret []byte
}

// NewPseudonymizer validates the secret length and returns a derivation
// handle.
func NewPseudonymizer(secret []byte) (*Pseudonymizer, error) {
	if len(secret) < MinSecretLen {
		return nil, ErrSecretTooShort
	}
	return &Pseudonymizer{secret: append([]byte(nil), secret...)}, nil
}

// Generate returns the pseudonym for (externalID, tenantID): a pure
// function of both arguments and the secret, rendered
// labeler_<16 lowercase hex chars>.
func (p *Pseudonymizer) Generate(externalID, tenantID string) string {
	// Tenant-scoped subkey, then HMAC over the external id.
	keyMAC := hmac.New(sha256.New, p.secret)
	keyMAC.Write([]byte("tenant:" + tenantID))
	subkey := keyMAC.Sum(nil)

	mac := hmac.New(sha256.New, subkey)
	mac.Write([]byte(externalID))
	sum := mac.Sum(nil)
	return "labeler_" + hex.EncodeToString(sum[:8])
}

// Rotate re-derives pseudonyms for every labeler in the tenant under a new
// secret and persists them. Returns the number of labelers updated.
func Rotate(ctx context.Context, store storage.Store, tenantID string, newSecret []byte) (int, error) {
	p, err := NewPseudonymizer(newSecret)
	if err != nil {
		return 0, err
	}
	labelers, err := store.ListLabelers(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("list labelers: %w", err)
	}
	updated := 0
	for _, l := range labelers {
		l.Pseudonym = p.Generate(l.ExternalID, l.TenantID)
		if err := store.UpdateLabeler(ctx, l); err != nil {
			return updated, fmt.Errorf("update labeler %s: %w", l.ID, err)
		}
		updated++
	}
	return updated, nil
}
