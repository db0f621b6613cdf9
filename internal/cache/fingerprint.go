package cache

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math/bits"

	"github.com/corona10/goimagehash"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// FingerprintBits is the length of a perceptual fingerprint.
const FingerprintBits = 64

// DeriveFingerprint computes a 64-bit DCT perceptual hash of the image and
// returns it hex-encoded. The image is reduced to a small grayscale grid, a DCT
// is applied and the low-frequency 8x8 block is thresholded against its median,
// so re-encoding or rescaling a picture flips only a few bits.
func DeriveFingerprint(img []byte) (string, error) {
	decoded, _, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return "", &DecodeError{Err: err}
	}

	hash, err := goimagehash.PerceptionHash(decoded)
	if err != nil {
		return "", &DecodeError{Err: err}
	}

	return fmt.Sprintf("%016x", hash.GetHash()), nil
}

// validFingerprint reports whether fp has the shape DeriveFingerprint produces.
func validFingerprint(fp string) error {
	if len(fp) != FingerprintBits/4 {
		return fmt.Errorf("%w: %q is %d hex digits, want %d", ErrLengthMismatch, fp, len(fp), FingerprintBits/4)
	}
	if _, err := hex.DecodeString(fp); err != nil {
		return fmt.Errorf("parse fingerprint %q: %w", fp, err)
	}
	return nil
}

// HammingDistance counts the differing bits between two hex fingerprints.
func HammingDistance(a, b string) (int, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d != %d", ErrLengthMismatch, len(a), len(b))
	}

	ab, err := hex.DecodeString(a)
	if err != nil {
		return 0, fmt.Errorf("parse fingerprint %q: %w", a, err)
	}
	bb, err := hex.DecodeString(b)
	if err != nil {
		return 0, fmt.Errorf("parse fingerprint %q: %w", b, err)
	}

	dist := 0
	for i := range ab {
		dist += bits.OnesCount8(ab[i] ^ bb[i])
	}
	return dist, nil
}
