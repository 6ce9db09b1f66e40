package cluster

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
)

// ErrBadIdentifier is returned when an object identifier does not have the
// form "uuid:digest" with a valid token and a 64-character lowercase
// hexadecimal SHA-256 digest.
var ErrBadIdentifier = errors.New("malformed object identifier")

// ObjectID names one upload: a client-generated token plus the SHA-256
// digest of the payload bytes.
//
// The token distinguishes independent uploads of identical bytes; the
// digest is the content hash used as the on-disk file name and verified on
// retrieval. ObjectID values are comparable and safe to use as map keys.
type ObjectID struct {
	// Token is the canonical textual form of the upload's random UUID.
	// Example: "550e8400-e29b-41d4-a716-446655440000"
	Token string

	// Digest is the lowercase hexadecimal SHA-256 of the payload.
	// Always 64 characters. Example: "1f825aa2..."
	Digest string
}

// NewObjectID mints an identifier for a payload with the given digest,
// generating a fresh random token.
func NewObjectID(digest string) ObjectID {
	return ObjectID{Token: uuid.NewString(), Digest: digest}
}

// ParseObjectID validates and canonicalizes an identifier received over the
// wire.
//
// The token component is parsed and re-emitted in canonical form, so
// lookups are stable regardless of how the sender formatted it. The digest
// component must be exactly 64 lowercase hexadecimal characters; uppercase
// digests are rejected rather than folded, since the digest is used
// verbatim as a file name.
func ParseObjectID(s string) (ObjectID, error) {
	token, digest, ok := strings.Cut(s, ":")
	if !ok {
		return ObjectID{}, fmt.Errorf("%w: %q", ErrBadIdentifier, s)
	}

	u, err := uuid.Parse(token)
	if err != nil {
		return ObjectID{}, fmt.Errorf("%w: bad token in %q: %v", ErrBadIdentifier, s, err)
	}

	if !validDigest(digest) {
		return ObjectID{}, fmt.Errorf("%w: bad digest in %q", ErrBadIdentifier, s)
	}

	return ObjectID{Token: u.String(), Digest: digest}, nil
}

// String returns the wire form "uuid:digest".
func (id ObjectID) String() string {
	return id.Token + ":" + id.Digest
}

// validDigest reports whether s is a 64-character lowercase hex string.
func validDigest(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Digest returns the lowercase hexadecimal SHA-256 of b.
func Digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// DigestReader computes the digest of everything readable from r.
func DigestReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FileDigest computes the digest of a file's contents without loading the
// whole file into memory.
func FileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return DigestReader(f)
}
