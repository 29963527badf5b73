package audit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ppiankov/adminguard/internal/model"
)

func TestAttestSignsDayTip(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		l.Append(ctx, testEntry(model.ActionUserDelete))
	}

	key, err := GenerateKey(filepath.Join(t.TempDir(), "keys", "attest.key"))
	if err != nil {
		t.Fatal(err)
	}

	att, err := l.Attest(ctx, key, t0)
	if err != nil {
		t.Fatalf("attest: %v", err)
	}
	tip, _ := l.Get(ctx, 3)
	if att.TipID != 3 || att.TipHash != tip.RowHash || att.Day != "2026-03-01" {
		t.Fatalf("unexpected attestation: %+v", att)
	}

	pub, err := ParsePublicKey(att.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifyAttestation(att, pub); err != nil {
		t.Fatalf("verify: %v", err)
	}

	forged := att
	forged.TipHash = GenesisHash
	if err := VerifyAttestation(forged, pub); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestAttestRefusesBrokenChain(t *testing.T) {
	l, path := newTestLedger(t)
	ctx := context.Background()
	l.Append(ctx, testEntry(model.ActionUserDelete))
	l.Append(ctx, testEntry(model.ActionUserDelete))
	rawExec(t, path, "UPDATE audit_records SET reason = 'edited' WHERE id = 1")

	key, _ := GenerateKey(filepath.Join(t.TempDir(), "k"))
	if _, err := l.Attest(ctx, key, t0); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("expected ErrChainBroken, got %v", err)
	}
}

func TestAttestEmptyDay(t *testing.T) {
	l, _ := newTestLedger(t)
	key, _ := GenerateKey(filepath.Join(t.TempDir(), "k"))
	if _, err := l.Attest(context.Background(), key, t0); !errors.Is(err, ErrEmptyLedger) {
		t.Fatalf("expected ErrEmptyLedger, got %v", err)
	}
}

func TestKeyRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "k")
	key, err := GenerateKey(path)
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadKey(path)
	if err != nil {
		t.Fatal(err)
	}
	if !key.Equal(loaded) {
		t.Fatal("loaded key differs from generated key")
	}
	if _, err := GenerateKey(path); err == nil {
		t.Fatal("expected refusal to overwrite existing key")
	}
}
