package cache

import (
	"crypto/sha256"
	"encoding/hex"
)

// DeriveExactKey hashes the prompt followed by the raw image bytes with SHA-256
// and returns the hex digest. Byte order matters: prompt first, image second.
func DeriveExactKey(prompt string, image []byte) string {
	h := sha256.New()
	h.Write([]byte(prompt))
	h.Write(image)
	return hex.EncodeToString(h.Sum(nil))
}
