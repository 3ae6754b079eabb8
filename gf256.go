package fortress

// Arithmetic over GF(2^8) with the AES reduction polynomial
// x^8 + x^4 + x^3 + x + 1 (0x11b), using exp/log tables built on the
// generator 0x03. Wrong field arithmetic silently corrupts recovered secrets
// without erroring, so this stays table-driven and exact.

var (
	gfExp [512]byte
	gfLog [256]byte
)

func init() {
	x := 1
	for i := 0; i < 255; i++ {
		gfExp[i] = byte(x)
		gfLog[byte(x)] = byte(i)
		x ^= x << 1
		if x&0x100 != 0 {
			x ^= 0x11b
		}
	}
	// Doubled table removes the mod 255 from multiplication.
	for i := 255; i < 512; i++ {
		gfExp[i] = gfExp[i-255]
	}
}

func gfMul(a, b byte) byte {
	if a == 0 || b == 0 {
		return 0
	}
	return gfExp[int(gfLog[a])+int(gfLog[b])]
}

func gfDiv(a, b byte) byte {
	if b == 0 {
		panic("fortress: division by zero in GF(256)")
	}
	if a == 0 {
		return 0
	}
	return gfExp[(int(gfLog[a])+255-int(gfLog[b]))%255]
}

func gfInv(a byte) byte {
	if a == 0 {
		panic("fortress: zero has no inverse in GF(256)")
	}
	return gfExp[255-int(gfLog[a])]
}

// gfPolyEval evaluates the polynomial with the given coefficients (constant
// term first) at x, via Horner's rule.
func gfPolyEval(coeffs []byte, x byte) byte {
	if len(coeffs) == 0 {
		return 0
	}
	result := coeffs[len(coeffs)-1]
	for i := len(coeffs) - 2; i >= 0; i-- {
		result = gfMul(result, x) ^ coeffs[i]
	}
	return result
}

// gfInterpolateAtZero recovers f(0) from the points (xs[i], ys[i]) by
// Lagrange interpolation. All xs must be distinct and non-zero.
func gfInterpolateAtZero(xs, ys []byte) byte {
	var result byte
	for i := range xs {
		num, den := byte(1), byte(1)
		for j := range xs {
			if i == j {
				continue
			}
			num = gfMul(num, xs[j])
			den = gfMul(den, xs[i]^xs[j])
		}
		result ^= gfMul(ys[i], gfDiv(num, den))
	}
	return result
}
