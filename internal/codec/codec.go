package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/base64"
	"strconv"

	"github.com/infodancer/citm/internal/errs"
)

const (
	pemHeader     = "-----BEGIN SPLINTERMAIL MESSAGE-----"
	pemFooter     = "-----END SPLINTERMAIL MESSAGE-----"
	formatVersion = 1
	b64Width      = 64
	aesKeySize    = 32 // AES-256
	gcmNonceSize  = 12
	maxRecipients = 32 // spec.md §9 open question: compile-time device cap
)

// Recipient pairs a registered device's fingerprint with its RSA public key,
// the unit spec.md §4.4 wraps the per-message symmetric key to.
type Recipient struct {
	Fingerprint []byte
	Public      *rsa.PublicKey
}

// Encrypt seals plaintext to every recipient, producing the PEM-framed
// envelope of spec.md §4.4: a random AES-256-GCM key and IV, RSA-wrapped to
// each recipient's public key, followed by the ciphertext and its
// authentication tag.
func Encrypt(plaintext []byte, recipients []Recipient) ([]byte, *errs.Error) {
	if len(recipients) == 0 {
		return nil, errs.New(errs.Param, "no recipients given")
	}
	if len(recipients) > maxRecipients {
		return nil, errs.New(errs.FixedSize, "too many recipients: %d (max %d)", len(recipients), maxRecipients)
	}

	key := make([]byte, aesKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, errs.New(errs.Internal, "generate symmetric key: %s", err.Error())
	}
	iv := make([]byte, gcmNonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, errs.New(errs.Internal, "generate iv: %s", err.Error())
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.New(errs.Internal, "new aes cipher: %s", err.Error())
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, gcmNonceSize)
	if err != nil {
		return nil, errs.New(errs.Internal, "new gcm: %s", err.Error())
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	tagStart := len(sealed) - gcm.Overhead()
	ciphertext, tag := sealed[:tagStart], sealed[tagStart:]

	var pre bytes.Buffer
	pre.WriteString("V:")
	pre.WriteString(strconv.Itoa(formatVersion))
	pre.WriteByte('\n')

	for _, r := range recipients {
		ek, err := rsa.EncryptPKCS1v15(rand.Reader, r.Public, key)
		if err != nil {
			return nil, errs.New(errs.Ssl, "wrap key to recipient %x: %s", r.Fingerprint, err.Error())
		}
		writeField(&pre, "R", r.Fingerprint)
		pre.WriteByte(':')
		writeLenPrefixed(&pre, ek)
		pre.WriteByte('\n')
	}

	pre.WriteString("IV:")
	writeLenPrefixed(&pre, iv)
	pre.WriteString("\nM:")
	pre.Write(ciphertext)

	var out bytes.Buffer
	out.WriteString(pemHeader)
	out.WriteByte('\n')
	writeBase64Wrapped(&out, pre.Bytes(), b64Width)
	out.WriteByte('\n')
	out.WriteByte('=')
	out.WriteString(base64.StdEncoding.EncodeToString(tag))
	out.WriteByte('\n')
	out.WriteString(pemFooter)
	out.WriteByte('\n')

	return out.Bytes(), nil
}

// writeField writes "<tag>:<len>:<bytes>" without the trailing separator so
// callers can continue the line (used for R lines, which have two
// length-prefixed fields before the newline).
func writeField(buf *bytes.Buffer, tag string, data []byte) {
	buf.WriteString(tag)
	buf.WriteByte(':')
	writeLenPrefixed(buf, data)
}

func writeLenPrefixed(buf *bytes.Buffer, data []byte) {
	buf.WriteString(strconv.Itoa(len(data)))
	buf.WriteByte(':')
	buf.Write(data)
}

// writeBase64Wrapped base64-encodes data as one continuous stream, emitting
// a newline every width output columns, matching bin2b64_stream's framing.
func writeBase64Wrapped(out *bytes.Buffer, data []byte, width int) {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > width {
		out.WriteString(encoded[:width])
		out.WriteByte('\n')
		encoded = encoded[width:]
	}
	out.WriteString(encoded)
}

// Decrypt parses and opens envelope against kp, returning the plaintext and
// every recipient fingerprint listed in the envelope (spec.md §4.4: "All R:
// fingerprints are appended to the caller's recipients list"). If none of
// the envelope's recipients match kp's fingerprint, it fails with Not4Me —
// the distinct kind CITM uses to silently skip a message rather than
// surface an error.
func Decrypt(envelope []byte, kp *KeyPair) ([]byte, [][]byte, *errs.Error) {
	rest := envelope
	header := []byte(pemHeader)
	if !bytes.HasPrefix(rest, header) {
		return nil, nil, errs.New(errs.Param, "PEM header not found")
	}
	rest = rest[len(header):]
	rest = bytes.TrimPrefix(rest, []byte("\n"))

	tagIdx := bytes.Index(rest, []byte("\n="))
	if tagIdx < 0 {
		return nil, nil, errs.New(errs.Param, "no authentication tag line found")
	}
	b64Body := rest[:tagIdx]
	tagLine := rest[tagIdx+2:]
	if nl := bytes.IndexByte(tagLine, '\n'); nl >= 0 {
		tagLine = tagLine[:nl]
	}
	tag, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(tagLine)))
	if err != nil {
		return nil, nil, errs.New(errs.Param, "decode tag: %s", err.Error())
	}

	pre, err := base64.StdEncoding.DecodeString(stripNewlines(b64Body))
	if err != nil {
		return nil, nil, errs.New(errs.Param, "decode envelope body: %s", err.Error())
	}

	p := &parser{buf: pre}
	if err := p.expectVersion(); err != nil {
		return nil, nil, err
	}

	var fingerprints [][]byte
	var matchedKey []byte
	var iv []byte

	for {
		switch {
		case p.hasPrefix("R:"):
			fpr, ek, perr := p.parseRLine()
			if perr != nil {
				return nil, nil, perr
			}
			fingerprints = append(fingerprints, fpr)
			if subtle.ConstantTimeCompare(fpr, kp.Fingerprint) == 1 {
				matchedKey = ek
			}
		case p.hasPrefix("IV:"):
			var perr *errs.Error
			iv, perr = p.parseIVLine()
			if perr != nil {
				return nil, nil, perr
			}
		case p.hasPrefix("M:"):
			p.advance(2)
			goto ciphertext
		default:
			return nil, nil, errs.New(errs.Param, "unexpected line tag in envelope")
		}
	}

ciphertext:
	if matchedKey == nil {
		return nil, nil, errs.New(errs.Not4Me, "message encrypted but not to me")
	}
	if iv == nil {
		return nil, nil, errs.New(errs.Param, "no IV found before message body")
	}
	if len(iv) != gcmNonceSize {
		return nil, nil, errs.New(errs.Param, "invalid iv length: %d", len(iv))
	}

	key, rerr := rsa.DecryptPKCS1v15(rand.Reader, kp.Private, matchedKey)
	if rerr != nil {
		return nil, nil, errs.New(errs.Ssl, "unwrap symmetric key: %s", rerr.Error())
	}

	block, cerr := aes.NewCipher(key)
	if cerr != nil {
		return nil, nil, errs.New(errs.Internal, "new aes cipher: %s", cerr.Error())
	}
	gcm, gerr := cipher.NewGCMWithNonceSize(block, gcmNonceSize)
	if gerr != nil {
		return nil, nil, errs.New(errs.Internal, "new gcm: %s", gerr.Error())
	}

	sealed := append(append([]byte{}, p.remaining()...), tag...)
	plaintext, oerr := gcm.Open(nil, iv, sealed, nil)
	if oerr != nil {
		return nil, nil, errs.New(errs.Ssl, "authentication tag verification failed: %s", oerr.Error())
	}

	return plaintext, fingerprints, nil
}

func stripNewlines(b []byte) string {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if c != '\n' && c != '\r' {
			out = append(out, c)
		}
	}
	return string(out)
}

// parser walks the decoded pre-base64 stream (spec.md §4.4's "parse
// buffer"), consuming V/R/IV/M line tags in order.
type parser struct {
	buf []byte
	pos int
}

func (p *parser) hasPrefix(tag string) bool {
	return bytes.HasPrefix(p.buf[p.pos:], []byte(tag))
}

func (p *parser) advance(n int) { p.pos += n }

func (p *parser) remaining() []byte { return p.buf[p.pos:] }

func (p *parser) expectVersion() *errs.Error {
	if !p.hasPrefix("V:") {
		return errs.New(errs.Param, "envelope missing version line")
	}
	p.advance(2)
	nl := bytes.IndexByte(p.buf[p.pos:], '\n')
	if nl < 0 {
		return errs.New(errs.Param, "unterminated version line")
	}
	v, err := strconv.Atoi(string(p.buf[p.pos : p.pos+nl]))
	if err != nil {
		return errs.New(errs.Param, "bad version: %s", err.Error())
	}
	if v != formatVersion {
		return errs.New(errs.Param, "unsupported message version %d", v)
	}
	p.advance(nl + 1)
	return nil
}

// parseLenPrefixed reads "<len>:<bytes>" starting at p.pos, advancing past
// the bytes (but not past any trailing separator the caller expects).
func (p *parser) parseLenPrefixed() ([]byte, *errs.Error) {
	colon := bytes.IndexByte(p.buf[p.pos:], ':')
	if colon < 0 {
		return nil, errs.New(errs.Param, "malformed length-prefixed field")
	}
	n, err := strconv.Atoi(string(p.buf[p.pos : p.pos+colon]))
	if err != nil || n < 0 {
		return nil, errs.New(errs.Param, "malformed field length: %s", string(p.buf[p.pos:p.pos+colon]))
	}
	p.advance(colon + 1)
	if p.pos+n > len(p.buf) {
		return nil, errs.New(errs.Param, "field length exceeds remaining buffer")
	}
	data := p.buf[p.pos : p.pos+n]
	p.advance(n)
	return data, nil
}

func (p *parser) parseRLine() (fpr, ek []byte, rerr *errs.Error) {
	p.advance(2) // "R:"
	fpr, rerr = p.parseLenPrefixed()
	if rerr != nil {
		return nil, nil, rerr
	}
	if p.pos >= len(p.buf) || p.buf[p.pos] != ':' {
		return nil, nil, errs.New(errs.Param, "failed to parse R line")
	}
	p.advance(1)
	ek, rerr = p.parseLenPrefixed()
	if rerr != nil {
		return nil, nil, rerr
	}
	if p.pos >= len(p.buf) || p.buf[p.pos] != '\n' {
		return nil, nil, errs.New(errs.Param, "failed to parse R line")
	}
	p.advance(1)
	return fpr, ek, nil
}

func (p *parser) parseIVLine() ([]byte, *errs.Error) {
	p.advance(3) // "IV:"
	iv, err := p.parseLenPrefixed()
	if err != nil {
		return nil, err
	}
	if p.pos >= len(p.buf) || p.buf[p.pos] != '\n' {
		return nil, errs.New(errs.Param, "failed to parse IV line")
	}
	p.advance(1)
	return iv, nil
}
