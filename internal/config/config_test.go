package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/quark-zju/x79d8/internal/xerrors"
)

// Low scrypt cost so tests don't spend real wall time on KDF work.
const testScryptLogN = 4

func TestInitThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	f, err := Init(dir, 64, testScryptLogN)
	if err != nil {
		t.Fatal(err)
	}
	if f.VerifierHex != "" {
		t.Fatal("init must not set a verifier; that's deferred to first serve")
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.BlockSize != 64*1024 {
		t.Fatalf("block size = %d", loaded.BlockSize)
	}
	if loaded.SaltHex != f.SaltHex {
		t.Fatal("salt did not round-trip")
	}
}

func TestInitRefusesNonEmptyDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := (&File{}).Save(dir); err != nil {
		t.Fatal(err)
	}
	if _, err := Init(dir, 64, testScryptLogN); err == nil {
		t.Fatal("expected init to refuse a non-empty directory")
	}
}

func TestLoadMissingConfigFails(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	if !xerrors.Is(err, xerrors.ConfigMissing) {
		t.Fatalf("expected ConfigMissing, got %v", err)
	}
}

func TestFirstUnlockEstablishesVerifier(t *testing.T) {
	dir := t.TempDir()
	f, err := Init(dir, 64, testScryptLogN)
	if err != nil {
		t.Fatal(err)
	}

	key1, established, err := f.Unlock("pw-αβ")
	if err != nil {
		t.Fatal(err)
	}
	if !established {
		t.Fatal("expected the first unlock to establish a verifier")
	}
	if err := f.Save(dir); err != nil {
		t.Fatal(err)
	}

	reloaded, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	key2, established2, err := reloaded.Unlock("pw-αβ")
	if err != nil {
		t.Fatal(err)
	}
	if established2 {
		t.Fatal("second unlock should verify, not re-establish")
	}
	if string(key1) != string(key2) {
		t.Fatal("same password must derive the same key")
	}
}

// Property 6: wrong password fails with BadPassword.
func TestWrongPasswordFails(t *testing.T) {
	dir := t.TempDir()
	f, err := Init(dir, 64, testScryptLogN)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := f.Unlock("pw-αβ"); err != nil {
		t.Fatal(err)
	}
	if err := f.Save(dir); err != nil {
		t.Fatal(err)
	}

	reloaded, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := reloaded.Unlock("pw-αβ "); !xerrors.Is(err, xerrors.BadPassword) {
		t.Fatalf("expected BadPassword, got %v", err)
	}
}

func TestConfigFileIsNamedX79d8Toml(t *testing.T) {
	dir := t.TempDir()
	if _, err := Init(dir, 64, testScryptLogN); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "x79d8.toml")); err != nil {
		t.Fatal(err)
	}
}
