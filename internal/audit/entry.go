package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ppiankov/adminguard/internal/model"
)

// HashPrefix tags every stored hash with its algorithm.
const HashPrefix = "sha256:"

// GenesisHash is the prev_hash of the first ledger row: 32 zero bytes.
const GenesisHash = HashPrefix + "0000000000000000000000000000000000000000000000000000000000000000"

// canonicalVersion is mixed into every row hash so a future encoding change
// cannot collide with rows hashed under this one.
const canonicalVersion = "adminguard.audit.v1"

// Entry is what callers hand to Append. The ledger assigns id, created_at,
// prev_hash and row_hash.
type Entry struct {
	Actor      model.Actor
	Action     model.Action
	TargetType string
	TargetID   string
	Details    map[string]any
	Reason     string
	Meta       model.RequestMeta
}

// Canonical encodes every field of rec except row_hash and prev_hash into a
// deterministic byte sequence. Each string is length-prefixed and optional
// fields carry a presence byte, so adjacent fields cannot run together.
func Canonical(rec model.AuditRecord) []byte {
	var b bytes.Buffer
	writeString(&b, canonicalVersion)
	writeInt(&b, rec.ID)
	writeString(&b, rec.ActorID)
	writeString(&b, rec.ActorEmail)
	writeString(&b, string(rec.Action))
	writeOptional(&b, rec.TargetType)
	writeOptional(&b, rec.TargetID)
	writeString(&b, string(rec.Details))
	writeOptional(&b, rec.Reason)
	writeString(&b, rec.ClientIP)
	writeString(&b, rec.SessionID)
	writeInt(&b, rec.CreatedAt.UTC().UnixNano())
	return b.Bytes()
}

func writeInt(b *bytes.Buffer, v int64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	b.Write(buf[:])
}

func writeString(b *bytes.Buffer, s string) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(len(s)))
	b.Write(buf[:])
	b.WriteString(s)
}

// writeOptional encodes NULL (stored as empty) distinctly from any value.
func writeOptional(b *bytes.Buffer, s string) {
	if s == "" {
		b.WriteByte(0)
		return
	}
	b.WriteByte(1)
	writeString(b, s)
}

// RowHash computes SHA-256(prev ‖ Canonical(rec)) and returns it as "sha256:<hex>".
func RowHash(prevHash string, rec model.AuditRecord) (string, error) {
	prev, err := decodeHash(prevHash)
	if err != nil {
		return "", fmt.Errorf("audit: prev hash: %w", err)
	}
	h := sha256.New()
	h.Write(prev)
	h.Write(Canonical(rec))
	return HashPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

func decodeHash(s string) ([]byte, error) {
	if !strings.HasPrefix(s, HashPrefix) {
		return nil, fmt.Errorf("missing %q prefix in %q", HashPrefix, s)
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(s, HashPrefix))
	if err != nil {
		return nil, err
	}
	if len(raw) != sha256.Size {
		return nil, fmt.Errorf("expected %d bytes, got %d", sha256.Size, len(raw))
	}
	return raw, nil
}
