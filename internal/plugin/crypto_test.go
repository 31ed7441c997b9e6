package plugin

import "testing"

func TestSealOpenConfig_RoundTrips(t *testing.T) {
	secret := "correct-horse-battery-staple"
	plaintext := []byte(`{"apiKey":"abc123"}`)

	blob, err := sealConfig(secret, plaintext)
	if err != nil {
		t.Fatalf("sealConfig: %v", err)
	}

	opened, err := openConfig(secret, blob)
	if err != nil {
		t.Fatalf("openConfig: %v", err)
	}
	if string(opened) != string(plaintext) {
		t.Fatalf("opened = %q, want %q", opened, plaintext)
	}
}

func TestSealConfig_SaltVariesPerCall(t *testing.T) {
	secret := "correct-horse-battery-staple"
	plaintext := []byte(`{"apiKey":"abc123"}`)

	blobA, err := sealConfig(secret, plaintext)
	if err != nil {
		t.Fatalf("sealConfig: %v", err)
	}
	blobB, err := sealConfig(secret, plaintext)
	if err != nil {
		t.Fatalf("sealConfig: %v", err)
	}
	if string(blobA) == string(blobB) {
		t.Fatal("expected distinct salt/nonce to produce distinct ciphertext")
	}
}

func TestOpenConfig_WrongSecretFails(t *testing.T) {
	blob, err := sealConfig("right-secret", []byte(`{"apiKey":"abc123"}`))
	if err != nil {
		t.Fatalf("sealConfig: %v", err)
	}
	if _, err := openConfig("wrong-secret", blob); err == nil {
		t.Fatal("expected decryption with the wrong secret to fail")
	}
}
