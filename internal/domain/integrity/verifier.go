// Package integrity verifies downloaded payloads against the digests and
// signatures a manifest declares.
//
// Verifiers are pluggable: the installer runs every verifier in its Chain,
// and each one decides whether the manifest declares something it checks.
// A manifest that declares nothing passes with Result.Declared == false,
// which the installer logs as a reduced-trust install.
package integrity

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/GriffinCanCode/streambox/backend/internal/shared/errs"
	"github.com/GriffinCanCode/streambox/backend/internal/shared/types"
	"github.com/GriffinCanCode/streambox/backend/internal/shared/utils"
)

var (
	ErrDigestMismatch   = errors.New("digest mismatch")
	ErrBadSignature     = errors.New("signature verification failed")
	ErrUnknownKey       = errors.New("unknown signing key")
	ErrUnsupportedProof = errors.New("unsupported integrity scheme")
)

// Verifier checks one kind of integrity proof
type Verifier interface {
	// Name identifies the verifier in logs
	Name() string
	// Verify returns declared=false when the manifest carries no proof for it
	Verify(m *types.Manifest, payload []byte) (declared bool, err error)
}

// Result summarizes a chain run
type Result struct {
	Declared bool
	Checked  []string
}

// Chain runs verifiers in order and stops at the first failure
type Chain []Verifier

// Verify runs every verifier against payload
func (c Chain) Verify(m *types.Manifest, payload []byte) (Result, error) {
	var res Result
	for _, v := range c {
		declared, err := v.Verify(m, payload)
		if err != nil {
			return res, errs.Integrity("verify "+v.Name(), m.ID, err)
		}
		if declared {
			res.Declared = true
			res.Checked = append(res.Checked, v.Name())
		}
	}
	return res, nil
}

// DigestVerifier checks manifest.integrity
type DigestVerifier struct{}

// Name implements Verifier
func (DigestVerifier) Name() string { return "digest" }

// Verify implements Verifier
func (DigestVerifier) Verify(m *types.Manifest, payload []byte) (bool, error) {
	if m.Integrity == nil {
		return false, nil
	}
	h, err := utils.NewHasher(utils.HashAlgorithm(m.Integrity.Algorithm))
	if err != nil || h.Algorithm() == utils.MD5 {
		return true, fmt.Errorf("%w: %s", ErrUnsupportedProof, m.Integrity.Algorithm)
	}
	got := h.Hash(payload)
	want := strings.ToLower(m.Integrity.Digest)
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return true, fmt.Errorf("%w: %s expected %s, got %s", ErrDigestMismatch, h.Algorithm(), want, got)
	}
	return true, nil
}

// SignatureVerifier checks manifest.signature with ed25519 trust anchors
type SignatureVerifier struct {
	keys map[string]ed25519.PublicKey
}

// NewSignatureVerifier decodes base64 public keys keyed by key id
func NewSignatureVerifier(trusted map[string]string) (*SignatureVerifier, error) {
	keys := make(map[string]ed25519.PublicKey, len(trusted))
	for id, encoded := range trusted {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("trusted key %s: %w", id, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("trusted key %s: want %d bytes, got %d", id, ed25519.PublicKeySize, len(raw))
		}
		keys[id] = ed25519.PublicKey(raw)
	}
	return &SignatureVerifier{keys: keys}, nil
}

// Name implements Verifier
func (*SignatureVerifier) Name() string { return "signature" }

// Verify implements Verifier
func (v *SignatureVerifier) Verify(m *types.Manifest, payload []byte) (bool, error) {
	sig := m.Signature
	if sig == nil {
		return false, nil
	}
	if !strings.EqualFold(sig.Scheme, "ed25519") {
		return true, fmt.Errorf("%w: %s", ErrUnsupportedProof, sig.Scheme)
	}
	key, ok := v.keys[sig.KeyID]
	if !ok {
		return true, fmt.Errorf("%w: %s", ErrUnknownKey, sig.KeyID)
	}
	raw, err := base64.StdEncoding.DecodeString(sig.Value)
	if err != nil {
		return true, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !ed25519.Verify(key, payload, raw) {
		return true, ErrBadSignature
	}
	return true, nil
}

// DefaultChain returns the digest and signature verifiers
func DefaultChain(trusted map[string]string) (Chain, error) {
	sv, err := NewSignatureVerifier(trusted)
	if err != nil {
		return nil, err
	}
	return Chain{DigestVerifier{}, sv}, nil
}
