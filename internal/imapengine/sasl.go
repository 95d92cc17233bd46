package imapengine

import (
	"encoding/base64"

	"github.com/emersion/go-sasl"
)

// SupportedSASLMechanisms returns the list of SASL mechanisms CITM's
// downwards listener offers to the local mail client.
func SupportedSASLMechanisms() []string {
	return []string{sasl.Plain}
}

// DecodeSASLResponse decodes a base64-encoded AUTHENTICATE response line.
func DecodeSASLResponse(encoded string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(encoded)
}

// EncodeSASLChallenge encodes an AUTHENTICATE continuation challenge.
func EncodeSASLChallenge(challenge []byte) string {
	return base64.StdEncoding.EncodeToString(challenge)
}
