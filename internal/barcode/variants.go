package barcode

// Barcodes of up to maxPackedLen bases are packed 3 bits per base into a
// uint64 so the variant table can key on integers instead of strings.
const maxPackedLen = 21

var alphabet = []byte{'A', 'C', 'G', 'T', 'N'}

var baseCode = func() (t [256]int8) {
	for i := range t {
		t[i] = -1
	}
	for i, c := range alphabet {
		t[c] = int8(i)
	}
	return t
}()

// validBases reports whether s only uses A, C, G, T and N.
func validBases(s string) bool {
	for i := 0; i < len(s); i++ {
		if baseCode[s[i]] < 0 {
			return false
		}
	}
	return true
}

// pack encodes s, which must be at most maxPackedLen bases long.
func pack(s string) (uint64, bool) {
	if len(s) > maxPackedLen {
		return 0, false
	}
	var code uint64
	for i := 0; i < len(s); i++ {
		b := baseCode[s[i]]
		if b < 0 {
			return 0, false
		}
		code |= uint64(b) << (3 * uint(i))
	}
	return code, true
}

func unpack(code uint64, n int) string {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = alphabet[(code>>(3*uint(i)))&7]
	}
	return string(out)
}

// mismatches calls visit once for every code within distance substitutions
// of code (code itself excluded). n is the barcode length.
func mismatches(code uint64, n, distance int, visit func(uint64)) {
	if distance <= 0 {
		return
	}
	if distance == 1 {
		for i := 0; i < n; i++ {
			shift := 3 * uint(i)
			cur := (code >> shift) & 7
			cleared := code &^ (7 << shift)
			for r := range alphabet {
				if uint64(r) == cur {
					continue
				}
				visit(cleared | uint64(r)<<shift)
			}
		}
		return
	}

	toCheck := []uint64{code}
	seen := map[uint64]struct{}{code: {}} // avoid double-counting
	for ; distance > 0; distance-- {
		nextCheck := make([]uint64, 0, len(toCheck)*n*(len(alphabet)-1))
		for _, cur := range toCheck {
			mismatches(cur, n, 1, func(v uint64) {
				if _, alreadySeen := seen[v]; alreadySeen {
					return
				}
				seen[v] = struct{}{}
				nextCheck = append(nextCheck, v)
				visit(v)
			})
		}
		toCheck = nextCheck
	}
}

// hamming counts differing positions, giving up once limit is exceeded.
// a and b must have the same length.
func hamming(a, b string, limit int) int {
	d := 0
	for i := 0; i < len(a); i++ {
		if a[i] != b[i] {
			d++
			if d > limit {
				return d
			}
		}
	}
	return d
}
