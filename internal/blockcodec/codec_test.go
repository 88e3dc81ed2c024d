package blockcodec

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	return key
}

func TestRoundTrip(t *testing.T) {
	c, err := New(testKey(t), 256)
	if err != nil {
		t.Fatal(err)
	}

	for _, blockID := range []uint64{0, 1, 7, 1 << 40} {
		plaintext := make([]byte, c.PayloadSize())
		if _, err := rand.Read(plaintext); err != nil {
			t.Fatal(err)
		}

		onDisk, err := c.EncryptBlock(blockID, plaintext)
		if err != nil {
			t.Fatalf("EncryptBlock(%d): %v", blockID, err)
		}
		if len(onDisk) != c.BlockSize() {
			t.Fatalf("EncryptBlock(%d) returned %d bytes, want %d", blockID, len(onDisk), c.BlockSize())
		}

		got, err := c.DecryptBlock(blockID, onDisk)
		if err != nil {
			t.Fatalf("DecryptBlock(%d): %v", blockID, err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("DecryptBlock(%d) round trip mismatch", blockID)
		}
	}
}

func TestDecryptWrongBlockIDFailsOpen(t *testing.T) {
	c, err := New(testKey(t), 256)
	if err != nil {
		t.Fatal(err)
	}

	plaintext := make([]byte, c.PayloadSize())
	rand.Read(plaintext)

	onDisk, err := c.EncryptBlock(5, plaintext)
	if err != nil {
		t.Fatal(err)
	}

	got, err := c.DecryptBlock(6, onDisk)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(got, plaintext) {
		t.Fatal("decrypting with the wrong block id should not reproduce the plaintext")
	}
}

func TestDecryptRejectsWrongLength(t *testing.T) {
	c, err := New(testKey(t), 256)
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.DecryptBlock(0, make([]byte, 10))
	if err == nil {
		t.Fatal("expected CorruptBlock error for short input")
	}
}

// IV uniqueness: across >=1000 writes of the same block id, the observed
// count prefixes must never repeat.
func TestCountUniquenessAcrossManyWrites(t *testing.T) {
	c, err := New(testKey(t), 64)
	if err != nil {
		t.Fatal(err)
	}

	const n = 2000
	seen := make(map[string]bool, n)
	plaintext := make([]byte, c.PayloadSize())

	for i := 0; i < n; i++ {
		onDisk, err := c.EncryptBlock(42, plaintext)
		if err != nil {
			t.Fatal(err)
		}
		count := string(onDisk[:CountSize])
		if seen[count] {
			t.Fatalf("count collision after %d writes", i)
		}
		seen[count] = true
	}
}
