package trie

// Nibble-path utilities: every trie key is first expanded into 4-bit
// nibbles, then hex-prefix encoded back into bytes for storage, per the
// compact encoding used throughout Merkle-Patricia tries.

// toNibbles expands a byte slice into its constituent nibbles, high
// nibble first.
func toNibbles(b []byte) []byte {
	n := make([]byte, len(b)*2)
	for i, c := range b {
		n[i*2] = c >> 4
		n[i*2+1] = c & 0x0f
	}
	return n
}

// fromNibbles repacks an even-length nibble slice into bytes.
func fromNibbles(n []byte) []byte {
	if len(n)%2 != 0 {
		panic("trie: fromNibbles requires an even-length nibble slice")
	}
	b := make([]byte, len(n)/2)
	for i := 0; i < len(b); i++ {
		b[i] = n[i*2]<<4 | n[i*2+1]
	}
	return b
}

// hexPrefixEncode packs a nibble path into the compact hex-prefix
// encoding. The high nibble of the first byte carries two flag bits:
// bit 1 (0x2) set means "terminates at a leaf value"; bit 0 (0x1) set
// means the path has odd length, and its first nibble is folded into
// the low nibble of that first byte.
func hexPrefixEncode(nibbles []byte, isLeaf bool) []byte {
	flag := byte(0)
	if isLeaf {
		flag |= 0x2
	}
	odd := len(nibbles)%2 == 1
	if odd {
		flag |= 0x1
	}

	var packed []byte
	if odd {
		packed = make([]byte, 1+len(nibbles)/2)
		packed[0] = (flag << 4) | nibbles[0]
		rest := fromNibbles(nibbles[1:])
		copy(packed[1:], rest)
	} else {
		packed = make([]byte, 1+len(nibbles)/2)
		packed[0] = flag << 4
		rest := fromNibbles(nibbles)
		copy(packed[1:], rest)
	}
	return packed
}

// hexPrefixDecode reverses hexPrefixEncode, reporting whether the
// encoded path terminates at a leaf.
func hexPrefixDecode(packed []byte) (nibbles []byte, isLeaf bool) {
	if len(packed) == 0 {
		return nil, false
	}
	flag := packed[0] >> 4
	isLeaf = flag&0x2 != 0
	odd := flag&0x1 != 0

	rest := toNibbles(packed[1:])
	if odd {
		first := packed[0] & 0x0f
		nibbles = append([]byte{first}, rest...)
	} else {
		nibbles = rest
	}
	return nibbles, isLeaf
}

// commonPrefixLen returns the length of the shared prefix of a and b.
func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
