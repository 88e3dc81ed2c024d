// Package config implements the plaintext x79d8.toml init-time
// parameters, scrypt key derivation, and the password verifier. Opening
// always reads config, derives the key, and compares the verifier before
// any block is ever decrypted.
package config

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/scrypt"

	"github.com/quark-zju/x79d8/internal/xerrors"
)

// FileName is the config file's name inside the store directory.
const FileName = "x79d8.toml"

// formatVersion tags the config layout.
const formatVersion = 1

// saltSize is the length, in bytes, of the persisted scrypt salt.
const saltSize = 32

// DefaultBlockSizeKB is init's default block size (1 MiB).
const DefaultBlockSizeKB = 1024

// DefaultScryptLogN is chosen for roughly 100ms on commodity hardware.
const DefaultScryptLogN = 15

// File is the persisted, plaintext content of x79d8.toml.
type File struct {
	Version     int    `toml:"version"`
	BlockSize   int    `toml:"block_size"`
	ScryptLogN  int    `toml:"scrypt_log_n"`
	ScryptR     int    `toml:"scrypt_r"`
	ScryptP     int    `toml:"scrypt_p"`
	SaltHex     string `toml:"salt"`
	VerifierHex string `toml:"verifier,omitempty"`
}

// Init creates a fresh config in dir, which must be empty or not yet
// exist. It does not derive
// a key or set a verifier; that happens on first Unlock, deferred to
// the first `serve`.
func Init(dir string, blockSizeKB, scryptLogN int) (*File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, xerrors.Wrap(xerrors.IoError, "config.init", dir, err)
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, xerrors.Wrap(xerrors.IoError, "config.init", dir, err)
		}
	} else if len(entries) > 0 {
		return nil, xerrors.New(xerrors.Exists, "config.init", dir+" is not empty")
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, xerrors.Wrap(xerrors.IoError, "config.init", "", err)
	}

	f := &File{
		Version:    formatVersion,
		BlockSize:  blockSizeKB * 1024,
		ScryptLogN: scryptLogN,
		ScryptR:    8,
		ScryptP:    1,
		SaltHex:    hex.EncodeToString(salt),
	}
	if err := f.Save(dir); err != nil {
		return nil, err
	}
	return f, nil
}

// Load reads and parses x79d8.toml from dir.
func Load(dir string) (*File, error) {
	path := filepath.Join(dir, FileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, xerrors.New(xerrors.ConfigMissing, "config.load", path)
		}
		return nil, xerrors.Wrap(xerrors.IoError, "config.load", path, err)
	}

	var f File
	if _, err := toml.Decode(string(raw), &f); err != nil {
		return nil, xerrors.Wrap(xerrors.ConfigCorrupt, "config.load", path, err)
	}
	if f.Version != formatVersion {
		return nil, xerrors.New(xerrors.ConfigCorrupt, "config.load", "unsupported config version")
	}
	return &f, nil
}

// Save writes f to dir/x79d8.toml atomically: encode to a sibling .tmp
// file, fsync, then rename over the final name — the same discipline
// this repo's own atomic block writes use, and the one gocryptfs's
// config_file.go uses for its own config file.
func (f *File) Save(dir string) error {
	path := filepath.Join(dir, FileName)
	tmp := path + ".tmp"

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(f); err != nil {
		return xerrors.Wrap(xerrors.IoError, "config.save", path, err)
	}

	fh, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return xerrors.Wrap(xerrors.IoError, "config.save", tmp, err)
	}
	if _, err := fh.Write(buf.Bytes()); err != nil {
		fh.Close()
		return xerrors.Wrap(xerrors.IoError, "config.save", tmp, err)
	}
	if err := fh.Sync(); err != nil {
		fh.Close()
		return xerrors.Wrap(xerrors.IoError, "config.save", tmp, err)
	}
	if err := fh.Close(); err != nil {
		return xerrors.Wrap(xerrors.IoError, "config.save", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return xerrors.Wrap(xerrors.IoError, "config.save", path, err)
	}
	return nil
}

// DeriveKey runs scrypt over password using f's persisted parameters.
func (f *File) DeriveKey(password string) ([]byte, error) {
	salt, err := hex.DecodeString(f.SaltHex)
	if err != nil {
		return nil, xerrors.New(xerrors.ConfigCorrupt, "config.derive_key", "bad salt encoding")
	}
	key, err := scrypt.Key([]byte(password), salt, 1<<uint(f.ScryptLogN), f.ScryptR, f.ScryptP, 32)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.IoError, "config.derive_key", "", err)
	}
	return key, nil
}

// verifier is the first 16 bytes of blake2s(key || "verify").
func verifier(key []byte) []byte {
	h, _ := blake2s.New256(nil)
	h.Write(key)
	h.Write([]byte("verify"))
	return h.Sum(nil)[:16]
}

// Unlock derives a key from password and either establishes this store's
// verifier (first serve ever, VerifierHex empty) or checks it. On
// mismatch it fails with BadPassword before any block is decrypted. The
// caller must Save() f after a freshly-established verifier.
func (f *File) Unlock(password string) (key []byte, establishedVerifier bool, err error) {
	key, err = f.DeriveKey(password)
	if err != nil {
		return nil, false, err
	}
	v := verifier(key)

	if f.VerifierHex == "" {
		f.VerifierHex = hex.EncodeToString(v)
		return key, true, nil
	}

	existing, err := hex.DecodeString(f.VerifierHex)
	if err != nil {
		return nil, false, xerrors.New(xerrors.ConfigCorrupt, "config.unlock", "bad verifier encoding")
	}
	if subtle.ConstantTimeCompare(existing, v) != 1 {
		return nil, false, xerrors.New(xerrors.BadPassword, "config.unlock", "")
	}
	return key, false, nil
}
