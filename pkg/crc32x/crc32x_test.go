package crc32x

import "testing"

func TestSumKnownVectors(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want uint32
	}{
		{"empty", nil, 0x00000000},
		{"123456789", []byte("123456789"), 0xCBF43926},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Sum(c.data); got != c.want {
				t.Fatalf("Sum(%q) = %08x, want %08x", c.data, got, c.want)
			}
		})
	}
}

func TestVerifierMatchesSum(t *testing.T) {
	data := []byte("a wasm module payload, in several chunks")
	want := Sum(data)

	v := NewVerifier()
	v.Write(data[:10])
	v.Write(data[10:])
	if got := v.Sum32(); got != want {
		t.Fatalf("Verifier.Sum32() = %08x, want %08x", got, want)
	}
}

func TestSumDetectsSingleByteFlip(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	flipped := append([]byte(nil), data...)
	flipped[2] ^= 0xFF

	if Sum(data) == Sum(flipped) {
		t.Fatalf("expected different checksums for flipped payload")
	}
}
