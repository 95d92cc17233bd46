package codec

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/infodancer/citm/internal/errs"
)

func genKeyPair(t *testing.T) *KeyPair {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	kp, kerr := NewKeyPair(priv)
	if kerr != nil {
		t.Fatal(kerr)
	}
	return kp
}

func TestRoundTrip(t *testing.T) {
	k1 := genKeyPair(t)
	k2 := genKeyPair(t)
	plaintext := []byte("hello")

	envelope, eerr := Encrypt(plaintext, []Recipient{
		{Fingerprint: k1.Fingerprint, Public: k1.Public},
		{Fingerprint: k2.Fingerprint, Public: k2.Public},
	})
	if eerr != nil {
		t.Fatalf("encrypt failed: %v", eerr)
	}

	got, fprs, derr := Decrypt(envelope, k1)
	if derr != nil {
		t.Fatalf("decrypt with k1 failed: %v", derr)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
	if len(fprs) != 2 {
		t.Fatalf("expected 2 recipient fingerprints, got %d", len(fprs))
	}
}

func TestDecryptNot4Me(t *testing.T) {
	k1 := genKeyPair(t)
	k2 := genKeyPair(t)
	k3 := genKeyPair(t)

	envelope, eerr := Encrypt([]byte("hello"), []Recipient{
		{Fingerprint: k1.Fingerprint, Public: k1.Public},
		{Fingerprint: k2.Fingerprint, Public: k2.Public},
	})
	if eerr != nil {
		t.Fatalf("encrypt failed: %v", eerr)
	}

	_, _, derr := Decrypt(envelope, k3)
	if derr == nil || derr.Kind != errs.Not4Me {
		t.Fatalf("expected Not4Me, got %v", derr)
	}
}

func TestDecryptTamperedTagFails(t *testing.T) {
	k1 := genKeyPair(t)
	envelope, eerr := Encrypt([]byte("hello"), []Recipient{
		{Fingerprint: k1.Fingerprint, Public: k1.Public},
	})
	if eerr != nil {
		t.Fatalf("encrypt failed: %v", eerr)
	}

	tampered := flipCiphertextByte(t, envelope)
	_, _, derr := Decrypt(tampered, k1)
	if derr == nil || derr.Kind != errs.Ssl {
		t.Fatalf("expected Ssl, got %v", derr)
	}
}

// flipCiphertextByte flips one byte inside the base64 body (between the
// header and the "=<tag>" line) so the decoded envelope no longer opens.
func flipCiphertextByte(t *testing.T, envelope []byte) []byte {
	t.Helper()
	out := append([]byte{}, envelope...)
	headerEnd := bytes.IndexByte(out, '\n') + 1
	tagLineStart := bytes.IndexByte(out[headerEnd:], '=') + headerEnd
	// flip the case of an alphabetic base64 character well inside the body,
	// which stays valid base64 (just decodes to different bits) so the
	// failure surfaces from the decoded envelope rather than as a base64
	// parse error.
	for i := headerEnd + (tagLineStart-headerEnd)/2; i < tagLineStart; i++ {
		if (out[i] >= 'a' && out[i] <= 'z') || (out[i] >= 'A' && out[i] <= 'Z') {
			out[i] ^= 0x20
			return out
		}
	}
	t.Fatal("no alphabetic byte found to flip")
	return nil
}

func TestFingerprintStableForSameKey(t *testing.T) {
	k1 := genKeyPair(t)
	fpr2, err := Fingerprint(k1.Public)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(k1.Fingerprint, fpr2) {
		t.Fatal("fingerprint not stable across recomputation")
	}
}
