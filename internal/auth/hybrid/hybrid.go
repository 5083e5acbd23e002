// Package hybrid registers a JWT signing method that pairs an Ed25519
// signature with an ML-DSA-65 signature. A token verifies only when both do.
package hybrid

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/golang-jwt/jwt/v5"
)

// AlgName is the JWT "alg" header value for the hybrid scheme.
const AlgName = "EdDSA+ML-DSA-65"

var (
	ErrSignatureMalformed = errors.New("hybrid: malformed signature")
	ErrKeyMalformed       = errors.New("hybrid: malformed key")
)

// Wire layout of a signature:
//
//	uint16 big-endian len(ed25519 sig) | ed25519 sig | ml-dsa-65 sig
type signingMethodHybrid struct{}

// SigningMethodHybrid is registered with jwt under AlgName.
var SigningMethodHybrid = &signingMethodHybrid{}

func init() {
	jwt.RegisterSigningMethod(AlgName, func() jwt.SigningMethod {
		return SigningMethodHybrid
	})
}

func (m *signingMethodHybrid) Alg() string { return AlgName }

// HybridKeyPair holds both private halves and their public keys.
type HybridKeyPair struct {
	ClassicalPrivate ed25519.PrivateKey
	ClassicalPublic  ed25519.PublicKey
	PQPrivate        *mldsa65.PrivateKey
	PQPublic         *mldsa65.PublicKey
}

// HybridPublicKey is what a verifier needs.
type HybridPublicKey struct {
	Classical ed25519.PublicKey
	PQ        *mldsa65.PublicKey
}

// GenerateHybridKeyPair creates fresh Ed25519 and ML-DSA-65 keys.
func GenerateHybridKeyPair() (*HybridKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ed25519 keygen: %w", err)
	}
	pqPub, pqPriv, err := mldsa65.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ml-dsa-65 keygen: %w", err)
	}
	return &HybridKeyPair{
		ClassicalPrivate: priv,
		ClassicalPublic:  pub,
		PQPrivate:        pqPriv,
		PQPublic:         pqPub,
	}, nil
}

// Public returns the verification half of kp.
func (kp *HybridKeyPair) Public() *HybridPublicKey {
	return &HybridPublicKey{Classical: kp.ClassicalPublic, PQ: kp.PQPublic}
}

// Sign expects key to be *HybridKeyPair.
func (m *signingMethodHybrid) Sign(signingString string, key any) ([]byte, error) {
	kp, ok := key.(*HybridKeyPair)
	if !ok {
		return nil, fmt.Errorf("hybrid sign: expected *HybridKeyPair, got %T", key)
	}
	if kp.PQPrivate == nil {
		return nil, fmt.Errorf("hybrid sign: %w: missing ML-DSA-65 private key", ErrKeyMalformed)
	}

	msg := []byte(signingString)
	classical := ed25519.Sign(kp.ClassicalPrivate, msg)
	pq, err := kp.PQPrivate.Sign(rand.Reader, msg, crypto.Hash(0))
	if err != nil {
		return nil, fmt.Errorf("ml-dsa-65 sign: %w", err)
	}

	out := make([]byte, 2, 2+len(classical)+len(pq))
	binary.BigEndian.PutUint16(out, uint16(len(classical)))
	out = append(out, classical...)
	return append(out, pq...), nil
}

// Verify expects key to be *HybridPublicKey.
func (m *signingMethodHybrid) Verify(signingString string, sig []byte, key any) error {
	pk, ok := key.(*HybridPublicKey)
	if !ok {
		return fmt.Errorf("hybrid verify: expected *HybridPublicKey, got %T", key)
	}
	if pk.PQ == nil {
		return fmt.Errorf("hybrid verify: %w: missing ML-DSA-65 public key", ErrKeyMalformed)
	}
	if len(sig) < 2 {
		return ErrSignatureMalformed
	}

	n := int(binary.BigEndian.Uint16(sig[:2]))
	if n != ed25519.SignatureSize || 2+n >= len(sig) {
		return ErrSignatureMalformed
	}

	msg := []byte(signingString)
	if !ed25519.Verify(pk.Classical, msg, sig[2:2+n]) {
		return errors.New("hybrid verify: Ed25519 signature invalid")
	}
	if !mldsa65.Verify(pk.PQ, msg, nil, sig[2+n:]) {
		return errors.New("hybrid verify: ML-DSA-65 signature invalid")
	}
	return nil
}

// MarshalPublic encodes pk as ed25519 public key followed by the ML-DSA-65 public key.
func MarshalPublic(pk *HybridPublicKey) ([]byte, error) {
	pq, err := pk.PQ.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return append(append(make([]byte, 0, ed25519.PublicKeySize+len(pq)), pk.Classical...), pq...), nil
}

// ParsePublic is the inverse of MarshalPublic.
func ParsePublic(b []byte) (*HybridPublicKey, error) {
	if len(b) <= ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key is %d bytes", ErrKeyMalformed, len(b))
	}
	pq := new(mldsa65.PublicKey)
	if err := pq.UnmarshalBinary(b[ed25519.PublicKeySize:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyMalformed, err)
	}
	return &HybridPublicKey{
		Classical: ed25519.PublicKey(append([]byte(nil), b[:ed25519.PublicKeySize]...)),
		PQ:        pq,
	}, nil
}

// MarshalPrivate encodes the ed25519 private key followed by the ML-DSA-65 private key.
func MarshalPrivate(kp *HybridKeyPair) ([]byte, error) {
	pq, err := kp.PQPrivate.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return append(append(make([]byte, 0, ed25519.PrivateKeySize+len(pq)), kp.ClassicalPrivate...), pq...), nil
}

// ParseKeyPair rebuilds a key pair from MarshalPrivate output.
func ParseKeyPair(priv []byte) (*HybridKeyPair, error) {
	if len(priv) <= ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: private key is %d bytes", ErrKeyMalformed, len(priv))
	}
	pq := new(mldsa65.PrivateKey)
	if err := pq.UnmarshalBinary(priv[ed25519.PrivateKeySize:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyMalformed, err)
	}
	classical := ed25519.PrivateKey(append([]byte(nil), priv[:ed25519.PrivateKeySize]...))
	return &HybridKeyPair{
		ClassicalPrivate: classical,
		ClassicalPublic:  classical.Public().(ed25519.PublicKey),
		PQPrivate:        pq,
		PQPublic:         pq.Public().(*mldsa65.PublicKey),
	}, nil
}
