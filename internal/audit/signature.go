package audit

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"math"
	"sort"
	"strconv"

	"golang.org/x/crypto/pbkdf2"

	"github.com/apex-audit/apex-audit/internal/config"
	"github.com/apex-audit/apex-audit/internal/db/models"
)

// signatureField is never part of the signed content.
const signatureField = "signature"

// ErrSaltTooShort is returned when a passphrase-derived key is requested with a salt under 16 bytes.
var ErrSaltTooShort = errors.New("signing key salt must be at least 16 bytes")

// Signer computes and checks record signatures: HMAC-SHA-512 over the canonical JSON form
// of the record fields, hex encoded. Without a key it falls back to a plain SHA-512 digest,
// which detects accidental corruption but not deliberate tampering.
type Signer struct {
	key       []byte
	maxLength int
}

// NewSigner returns a signer for key. maxLength caps the stored signature; a digest that
// would not fit is rejected here rather than truncated.
func NewSigner(key []byte, maxLength int) (*Signer, error) {
	if hex.EncodedLen(sha512.Size) > maxLength {
		return nil, fmt.Errorf("%w: digest is %d chars, cap is %d", ErrSignatureTooLong, hex.EncodedLen(sha512.Size), maxLength)
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Signer{key: k, maxLength: maxLength}, nil
}

// DeriveSigningKey stretches a passphrase into a 64-byte HMAC key with PBKDF2-SHA256.
func DeriveSigningKey(passphrase string, salt []byte, iterations int) ([]byte, error) {
	if len(salt) < 16 {
		return nil, ErrSaltTooShort
	}
	if iterations < 10000 {
		iterations = 100000
	}
	return pbkdf2.Key([]byte(passphrase), salt, iterations, sha512.Size, sha256.New), nil
}

// SignerFromConfig builds the signer described by the signature configuration: an explicit
// key wins, then a passphrase-derived key, then unkeyed digests.
func SignerFromConfig(cfg config.SignatureConfig) (*Signer, error) {
	switch {
	case cfg.Key != "":
		return NewSigner([]byte(cfg.Key), cfg.MaxLength)
	case cfg.Passphrase != "":
		key, err := DeriveSigningKey(cfg.Passphrase, []byte(cfg.Salt), cfg.Iterations)
		if err != nil {
			return nil, err
		}
		return NewSigner(key, cfg.MaxLength)
	default:
		return NewSigner(nil, cfg.MaxLength)
	}
}

// MaxLength is the configured signature cap.
func (s *Signer) MaxLength() int { return s.maxLength }

// Sign returns the signature of fields. A "signature" key in fields is ignored.
func (s *Signer) Sign(fields map[string]any) (string, error) {
	canonical, err := Canonicalize(fields)
	if err != nil {
		return "", err
	}
	h := s.newHash()
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify recomputes the signature of fields and compares it to signature in constant time.
func (s *Signer) Verify(fields map[string]any, signature string) bool {
	expected, err := s.Sign(fields)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}

// SignRecord sets rec.Signature. It must be called exactly once, after every other field
// is final and before the record is dispatched.
func (s *Signer) SignRecord(rec *models.AuditRecord) error {
	sig, err := s.Sign(rec.SignableFields())
	if err != nil {
		return fmt.Errorf("failed to sign audit record %s: %w", rec.UUID, err)
	}
	rec.Signature = sig
	return nil
}

// VerifyRecord returns a *TamperedRecordError when rec does not match its stored signature.
func (s *Signer) VerifyRecord(rec *models.AuditRecord) error {
	if !s.Verify(rec.SignableFields(), rec.Signature) {
		return &TamperedRecordError{ID: rec.ID, UUID: rec.UUID}
	}
	return nil
}

func (s *Signer) newHash() hash.Hash {
	if len(s.key) == 0 {
		return sha512.New()
	}
	return hmac.New(sha512.New, s.key)
}

// Canonicalize renders fields as compact JSON with lexically sorted keys at every level,
// the signature key removed, and numbers normalised so that a value read back from storage
// produces the same bytes as the value that was signed.
func Canonicalize(fields map[string]any) ([]byte, error) {
	stripped := make(map[string]any, len(fields))
	for k, v := range fields {
		if k == signatureField {
			continue
		}
		stripped[k] = v
	}

	// Round-trip through encoding/json so structs, typed maps and time values reach the
	// writer in their JSON shape.
	raw, err := json.Marshal(stripped)
	if err != nil {
		return nil, fmt.Errorf("failed to encode fields for signing: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("failed to decode fields for signing: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		n, err := canonicalNumber(t)
		if err != nil {
			return err
		}
		buf.WriteString(n)
	case string:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unexpected value of type %T in canonical form", v)
	}
	return nil
}

// canonicalNumber writes integral values without a fraction or exponent and everything
// else in the shortest form that round-trips a float64.
func canonicalNumber(n json.Number) (string, error) {
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	f, err := n.Float64()
	if err != nil {
		return "", fmt.Errorf("invalid number %q: %w", n, err)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	}
	return strconv.FormatFloat(f, 'g', -1, 64), nil
}
