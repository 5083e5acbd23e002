package model

import "time"

// SigningKey is a token signing key as stored in the database.
type SigningKey struct {
	ID            string
	Algorithm     string
	PublicKey     []byte
	PrivateKeyEnc []byte
	IsActive      bool
	ExpiresAt     *time.Time
	CreatedAt     time.Time
	RotatedAt     *time.Time
}

// VerificationKey is the public half of a signing key, safe to hand to
// services that only verify tokens.
type VerificationKey struct {
	KeyID     string    `json:"kid"`
	Algorithm string    `json:"alg"`
	PublicKey []byte    `json:"pub"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// Public returns the verification view of k.
func (k *SigningKey) Public() *VerificationKey {
	return &VerificationKey{
		KeyID:     k.ID,
		Algorithm: k.Algorithm,
		PublicKey: k.PublicKey,
		Active:    k.IsActive,
		CreatedAt: k.CreatedAt,
	}
}
