// Package codec implements the CITM message envelope of spec.md §4.4: a
// PEM-framed, base64-wrapped, multi-recipient RSA-wrapped AES-GCM format
// used to encrypt outbound mail to every registered device key and decrypt
// inbound mail against the local keypair.
package codec

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"

	"github.com/infodancer/citm/internal/errs"
)

// KeyPair bundles an RSA keypair with its fingerprint, mirroring the
// {private_key, public_key, fingerprint, refcount} value of spec.md §3.
// Refcounting across handles is left to callers (session.Session already
// supplies a general-purpose reference count; a dedicated one here would
// just duplicate it).
type KeyPair struct {
	Private     *rsa.PrivateKey
	Public      *rsa.PublicKey
	Fingerprint []byte
}

// NewKeyPair wraps an existing RSA private key, computing its fingerprint.
func NewKeyPair(priv *rsa.PrivateKey) (*KeyPair, *errs.Error) {
	fpr, err := Fingerprint(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Private: priv, Public: &priv.PublicKey, Fingerprint: fpr}, nil
}

// Fingerprint computes the SHA-256 digest of the X.509 SubjectPublicKeyInfo
// encoding of pub — not a bare hash of the key's raw bytes. This matches
// X509_pubkey_digest(EVP_sha256()) in the original implementation, which
// digests the DER-encoded X509_PUBKEY structure rather than the modulus and
// exponent alone.
func Fingerprint(pub *rsa.PublicKey) ([]byte, *errs.Error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, errs.New(errs.Internal, "marshal public key: %s", err.Error())
	}
	sum := sha256.Sum256(der)
	return sum[:], nil
}
