package audit

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ppiankov/adminguard/internal/store"
)

var (
	// ErrChainBroken is returned when an attestation is requested over a chain that fails verification.
	ErrChainBroken = errors.New("audit: chain verification failed")
	// ErrEmptyLedger is returned when there is nothing to attest for the day.
	ErrEmptyLedger = errors.New("audit: no ledger entries to attest")
	// ErrBadSignature is returned by VerifyAttestation.
	ErrBadSignature = errors.New("audit: attestation signature invalid")
)

// Attestation is a detached Ed25519 signature over the last chain hash of a UTC day.
type Attestation struct {
	Day       string    `json:"day"`
	TipID     int64     `json:"tip_id"`
	TipHash   string    `json:"tip_hash"`
	SignedAt  time.Time `json:"signed_at"`
	PublicKey string    `json:"public_key"`
	Signature string    `json:"signature"`
}

func (a Attestation) message() []byte {
	return []byte(fmt.Sprintf("adminguard-attestation\n%s\n%d\n%s\n", a.Day, a.TipID, a.TipHash))
}

// Attest verifies the chain up to the last row of day (UTC) and signs that
// row's hash. The signature covers day, tip id and tip hash.
func (l *Ledger) Attest(ctx context.Context, key ed25519.PrivateKey, day time.Time) (Attestation, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	tip, err := l.store.LastAuditBefore(ctx, start.Add(24*time.Hour))
	if errors.Is(err, store.ErrNotFound) {
		return Attestation{}, ErrEmptyLedger
	}
	if err != nil {
		return Attestation{}, fmt.Errorf("audit: attest: %w", err)
	}

	res, err := l.VerifyChain(ctx, 1, tip.ID)
	if err != nil {
		return Attestation{}, err
	}
	if !res.Valid {
		return Attestation{}, fmt.Errorf("%w: broken at %d: %s", ErrChainBroken, res.BrokenAt, res.Error)
	}

	a := Attestation{
		Day:       start.Format("2006-01-02"),
		TipID:     tip.ID,
		TipHash:   tip.RowHash,
		SignedAt:  l.now().UTC(),
		PublicKey: hex.EncodeToString(key.Public().(ed25519.PublicKey)),
	}
	a.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(key, a.message()))
	return a, nil
}

// VerifyAttestation checks a's signature against pub.
func VerifyAttestation(a Attestation, pub ed25519.PublicKey) error {
	sig, err := base64.StdEncoding.DecodeString(a.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !ed25519.Verify(pub, a.message(), sig) {
		return ErrBadSignature
	}
	return nil
}

// GenerateKey writes a new hex-encoded Ed25519 seed to path (0600) and
// returns the key pair. It refuses to overwrite an existing file.
func GenerateKey(path string) (ed25519.PrivateKey, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("audit: key file %s already exists", path)
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("audit: generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("audit: create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(priv.Seed())+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("audit: write key: %w", err)
	}
	return priv, nil
}

// LoadKey reads a hex-encoded Ed25519 seed from path.
func LoadKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("audit: read key: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("audit: decode key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("audit: key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// ParsePublicKey decodes a hex public key as found in Attestation.PublicKey.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("audit: decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("audit: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
