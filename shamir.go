package fortress

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
)

// ShareAlgorithm tags shares produced by this implementation.
const ShareAlgorithm = "shamir-gf256-v1"

const shareChecksumLen = 16

// Share is one fragment of a split secret. Knowledge of fewer than Threshold
// shares reveals nothing about the secret; that is a property of the
// polynomial construction, not of the checksum.
type Share struct {
	Index     byte   `json:"index"`
	Value     []byte `json:"value"`
	Threshold byte   `json:"threshold"`
	Total     byte   `json:"total"`
	Algorithm string `json:"algorithm"`
	Checksum  []byte `json:"checksum"`
}

// shareChecksum binds value, index, threshold and total so tampering is
// detectable before recombination is attempted.
func shareChecksum(s Share) []byte {
	h := sha256.New()
	h.Write([]byte("fortress-share\x00"))
	h.Write([]byte{s.Index, s.Threshold, s.Total})
	h.Write(s.Value)
	return h.Sum(nil)[:shareChecksumLen]
}

// SplitSecret splits secret into total shares of which any threshold
// reconstruct it. Each secret byte becomes the constant term of a fresh
// random degree-(threshold-1) polynomial evaluated at the share indexes
// 1..total.
func SplitSecret(secret []byte, threshold, total int) ([]Share, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: secret must not be empty", ErrInvalidParameters)
	}
	if threshold < 2 || total > 255 || threshold > total {
		return nil, fmt.Errorf("%w: need 2 <= threshold (%d) <= total (%d) <= 255",
			ErrInvalidParameters, threshold, total)
	}

	values := make([][]byte, total)
	for i := range values {
		values[i] = make([]byte, len(secret))
	}

	coeffs := make([]byte, threshold)
	for pos, b := range secret {
		coeffs[0] = b
		if _, err := rand.Read(coeffs[1:]); err != nil {
			return nil, fmt.Errorf("failed to draw polynomial coefficients: %w", err)
		}
		for i := 0; i < total; i++ {
			values[i][pos] = gfPolyEval(coeffs, byte(i+1))
		}
	}

	shares := make([]Share, total)
	for i := 0; i < total; i++ {
		shares[i] = Share{
			Index:     byte(i + 1),
			Value:     values[i],
			Threshold: byte(threshold),
			Total:     byte(total),
			Algorithm: ShareAlgorithm,
		}
		shares[i].Checksum = shareChecksum(shares[i])
	}
	return shares, nil
}

// CombineShares reconstructs the secret from any threshold-sized subset. The
// threshold is read from the shares themselves and must be consistent across
// the set; checksums are verified before any interpolation happens so a
// tampered share can never silently corrupt the result.
func CombineShares(shares []Share) ([]byte, error) {
	if len(shares) == 0 {
		return nil, fmt.Errorf("%w: no shares supplied", ErrInsufficientShares)
	}

	ref := shares[0]
	seen := make(map[byte]struct{}, len(shares))
	for i, s := range shares {
		if s.Threshold != ref.Threshold || s.Total != ref.Total || s.Algorithm != ref.Algorithm {
			return nil, fmt.Errorf("%w: share %d disagrees on scheme parameters", ErrInconsistentShares, i)
		}
		if len(s.Value) != len(ref.Value) {
			return nil, fmt.Errorf("%w: share %d has mismatched length", ErrInconsistentShares, i)
		}
		if s.Index == 0 {
			return nil, fmt.Errorf("%w: share %d has zero index", ErrInconsistentShares, i)
		}
		if _, dup := seen[s.Index]; dup {
			return nil, fmt.Errorf("%w: duplicate share index %d", ErrInconsistentShares, s.Index)
		}
		seen[s.Index] = struct{}{}
		if !bytes.Equal(s.Checksum, shareChecksum(s)) {
			return nil, fmt.Errorf("%w: checksum mismatch on share index %d", ErrInvalidShare, s.Index)
		}
	}

	threshold := int(ref.Threshold)
	if len(shares) < threshold {
		return nil, fmt.Errorf("%w: have %d shares, need %d", ErrInsufficientShares, len(shares), threshold)
	}

	subset := shares[:threshold]
	xs := make([]byte, threshold)
	for i, s := range subset {
		xs[i] = s.Index
	}

	secret := make([]byte, len(ref.Value))
	ys := make([]byte, threshold)
	for pos := range secret {
		for i, s := range subset {
			ys[i] = s.Value[pos]
		}
		secret[pos] = gfInterpolateAtZero(xs, ys)
	}
	return secret, nil
}
