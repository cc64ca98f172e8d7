package storage

import (
	"encoding/base64"
	"testing"
)

func TestEncryption_RoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	enc, err := NewEncryption(key)
	if err != nil {
		t.Fatalf("Failed to create encryption: %v", err)
	}

	ciphertext, err := enc.EncryptString("sk-ant-secret-12345")
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}

	decrypted, err := enc.DecryptString(ciphertext)
	if err != nil {
		t.Fatalf("Failed to decrypt: %v", err)
	}
	if decrypted != "sk-ant-secret-12345" {
		t.Errorf("Decrypted text doesn't match original. Got %s", decrypted)
	}

	again, _ := enc.EncryptString("sk-ant-secret-12345")
	if again == ciphertext {
		t.Error("Expected a fresh nonce per encryption")
	}
}

func TestEncryption_TamperedCiphertext(t *testing.T) {
	enc, _ := NewEncryption(make([]byte, 32))

	ciphertext, err := enc.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}

	raw, _ := base64.StdEncoding.DecodeString(ciphertext)
	raw[len(raw)-1] ^= 0xff
	if _, err := enc.Decrypt(base64.StdEncoding.EncodeToString(raw)); err == nil {
		t.Error("Expected authentication failure for tampered ciphertext")
	}

	if _, err := enc.Decrypt(base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Error("Expected error for ciphertext shorter than nonce")
	}

	if _, err := enc.Decrypt("%%%not-base64"); err == nil {
		t.Error("Expected error for invalid base64")
	}
}

func TestEncryptionFromPassphrase(t *testing.T) {
	a, err := NewEncryptionFromPassphrase("correct horse", "bioengine-salt")
	if err != nil {
		t.Fatalf("Failed to derive key: %v", err)
	}
	b, err := NewEncryptionFromPassphrase("correct horse", "bioengine-salt")
	if err != nil {
		t.Fatalf("Failed to derive key: %v", err)
	}

	ciphertext, _ := a.EncryptString("AIza-gemini-key")
	plain, err := b.DecryptString(ciphertext)
	if err != nil {
		t.Fatalf("Same passphrase should decrypt: %v", err)
	}
	if plain != "AIza-gemini-key" {
		t.Errorf("Got %s", plain)
	}

	other, _ := NewEncryptionFromPassphrase("wrong horse", "bioengine-salt")
	if _, err := other.DecryptString(ciphertext); err == nil {
		t.Error("Expected failure with a different passphrase")
	}

	if _, err := NewEncryptionFromPassphrase("", "bioengine-salt"); err == nil {
		t.Error("Expected error for empty passphrase")
	}
	if _, err := NewEncryptionFromPassphrase("x", "short"); err == nil {
		t.Error("Expected error for short salt")
	}
}

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey(32)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		t.Fatalf("Generated key is not valid base64: %v", err)
	}
	if len(decoded) != 32 {
		t.Errorf("Generated key has wrong length. Got %d, want 32", len(decoded))
	}

	enc, err := NewEncryptionFromBase64(key)
	if err != nil {
		t.Fatalf("Failed to create encryption with generated key: %v", err)
	}

	ciphertext, _ := enc.Encrypt([]byte("test"))
	decrypted, _ := enc.Decrypt(ciphertext)
	if string(decrypted) != "test" {
		t.Errorf("Encryption with generated key failed")
	}
}

func TestInvalidKeySize(t *testing.T) {
	if _, err := NewEncryption([]byte("too-short")); err == nil {
		t.Error("Expected error for invalid key size")
	}
	if _, err := GenerateKey(20); err == nil {
		t.Error("Expected error for invalid key size in GenerateKey")
	}
	if _, err := NewEncryptionFromBase64(""); err == nil {
		t.Error("Expected error for empty key")
	}
}
