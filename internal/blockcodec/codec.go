// Package blockcodec implements encryption and decryption of a single
// fixed-size block. Each block on disk is `count (16 bytes) || ciphertext`;
// the IV for the AES-256-CFB stream is derived from the key, the count,
// and the block id so that no (key, count, block_id) triple is ever reused
// across a live block's history.
package blockcodec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2s"

	"github.com/quark-zju/x79d8/internal/xerrors"
)

// CountSize is the length, in bytes, of the random count prefix stored at
// the head of every block.
const CountSize = 16

// KeySize is the length of the derived encryption key (AES-256).
const KeySize = 32

// Codec encrypts and decrypts blocks under a single derived key. It holds
// no per-block state; callers own block ids and on-disk bytes.
type Codec struct {
	key       [KeySize]byte
	blockSize int
}

// New returns a Codec for the given key and block size. blockSize must be
// large enough to hold the count prefix plus at least one byte of payload.
func New(key []byte, blockSize int) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("blockcodec: key must be %d bytes, got %d", KeySize, len(key))
	}
	if blockSize <= CountSize {
		return nil, fmt.Errorf("blockcodec: block size %d too small for %d-byte count", blockSize, CountSize)
	}
	c := &Codec{blockSize: blockSize}
	copy(c.key[:], key)
	return c, nil
}

// BlockSize returns the fixed on-disk block size.
func (c *Codec) BlockSize() int { return c.blockSize }

// PayloadSize returns blockSize-CountSize, the amount of plaintext a block
// carries.
func (c *Codec) PayloadSize() int { return c.blockSize - CountSize }

// EncryptBlock draws a fresh 16-byte count, derives the IV from
// (key, count, blockID), and returns count||ciphertext sized exactly
// BlockSize(). plaintext must be exactly PayloadSize() bytes.
func (c *Codec) EncryptBlock(blockID uint64, plaintext []byte) ([]byte, error) {
	if len(plaintext) != c.PayloadSize() {
		return nil, fmt.Errorf("blockcodec: plaintext must be %d bytes, got %d", c.PayloadSize(), len(plaintext))
	}

	count := make([]byte, CountSize)
	if _, err := rand.Read(count); err != nil {
		return nil, xerrors.Wrap(xerrors.IoError, "encrypt_block", "", err)
	}

	iv := c.deriveIV(count, blockID)
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, err
	}

	out := make([]byte, c.blockSize)
	copy(out, count)
	stream := cipher.NewCFBEncrypter(block, iv)
	stream.XORKeyStream(out[CountSize:], plaintext)
	return out, nil
}

// DecryptBlock parses the count prefix from onDisk, recomputes the IV, and
// decrypts the payload. onDisk must be exactly BlockSize() bytes; any other
// length is CorruptBlock.
func (c *Codec) DecryptBlock(blockID uint64, onDisk []byte) ([]byte, error) {
	if len(onDisk) != c.blockSize {
		return nil, xerrors.New(xerrors.CorruptBlock, "decrypt_block", "")
	}

	count := onDisk[:CountSize]
	iv := c.deriveIV(count, blockID)
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, err
	}

	plaintext := make([]byte, c.PayloadSize())
	stream := cipher.NewCFBDecrypter(block, iv)
	stream.XORKeyStream(plaintext, onDisk[CountSize:])
	return plaintext, nil
}

// EncryptWithSeed encrypts plaintext (PayloadSize() bytes) for blockID using
// an IV derived from an arbitrary seed instead of a freshly drawn count.
// The WAL uses this to derive IVs from (lsn, block_id): the seed is the
// lsn's bytes, and the lsn itself is carried in the WAL's plaintext framing
// rather than repeated inside the ciphertext the way the random count is
// for on-disk blocks.
func (c *Codec) EncryptWithSeed(seed []byte, blockID uint64, plaintext []byte) ([]byte, error) {
	if len(plaintext) != c.PayloadSize() {
		return nil, fmt.Errorf("blockcodec: plaintext must be %d bytes, got %d", c.PayloadSize(), len(plaintext))
	}
	iv := c.deriveIV(seed, blockID)
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(plaintext))
	cipher.NewCFBEncrypter(block, iv).XORKeyStream(out, plaintext)
	return out, nil
}

// DecryptWithSeed is the inverse of EncryptWithSeed.
func (c *Codec) DecryptWithSeed(seed []byte, blockID uint64, ciphertext []byte) []byte {
	iv := c.deriveIV(seed, blockID)
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		// key was already validated in New; a failure here would mean
		// key material was corrupted in memory.
		panic(err)
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCFBDecrypter(block, iv).XORKeyStream(out, ciphertext)
	return out
}

// deriveIV computes blake2s(key || count || block_id_le)[0:16]. Hashing the
// key together with count and block id, rather than trusting count alone,
// means an accidentally duplicated count (a buggy backup restoring an old
// block, say) still produces a distinct IV per block.
func (c *Codec) deriveIV(count []byte, blockID uint64) []byte {
	h, _ := blake2s.New256(nil)
	h.Write(c.key[:])
	h.Write(count)
	var idBuf [8]byte
	binary.LittleEndian.PutUint64(idBuf[:], blockID)
	h.Write(idBuf[:])
	sum := h.Sum(nil)
	return sum[:aes.BlockSize]
}
