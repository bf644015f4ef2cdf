package lightning

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// preimageLen is fixed by BOLT11: payment preimages are 32 bytes.
const preimageLen = 32

// DecodePreimage accepts a preimage as base64 or hex and returns its raw
// bytes. Base64 is tried first; the 32-byte length check disambiguates the
// two encodings (a 64-char hex string decodes as base64 to 48 bytes, so it
// falls through to the hex branch).
func DecodePreimage(preimage string) ([]byte, error) {
	if raw, err := base64.StdEncoding.DecodeString(preimage); err == nil && len(raw) == preimageLen {
		return raw, nil
	}
	if raw, err := hex.DecodeString(preimage); err == nil && len(raw) == preimageLen {
		return raw, nil
	}
	return nil, fmt.Errorf("%w: not a 32-byte base64 or hex string", ErrMalformedPreimage)
}

// PreimageMatches reports whether sha256(preimage) equals the invoice's
// payment hash. LND returns r_hash base64-encoded over REST; a hex copy is
// accepted too. A hash that decodes to neither matches nothing.
func PreimageMatches(preimage, rHash string) (bool, error) {
	raw, err := DecodePreimage(preimage)
	if err != nil {
		return false, err
	}
	hash, ok := decodeHash(rHash)
	if !ok {
		return false, nil
	}
	sum := sha256.Sum256(raw)
	return bytes.Equal(sum[:], hash), nil
}

func decodeHash(rHash string) ([]byte, bool) {
	if raw, err := base64.StdEncoding.DecodeString(rHash); err == nil && len(raw) == preimageLen {
		return raw, true
	}
	if raw, err := hex.DecodeString(rHash); err == nil && len(raw) == preimageLen {
		return raw, true
	}
	return nil, false
}
