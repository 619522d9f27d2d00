package crypto

import "testing"

func TestPasswordEncryptDecrypt_RoundTrip(t *testing.T) {
	password := "aaaqwert-extra-length-padding"
	plaintext := []byte(`{"window":7,"wait":4,"redirect":"192.0.1.2"}`)

	ciphertext, err := PasswordEncrypt(password, plaintext)
	if err != nil {
		t.Fatalf("PasswordEncrypt: %v", err)
	}

	got, err := PasswordDecrypt(password, ciphertext)
	if err != nil {
		t.Fatalf("PasswordDecrypt: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Errorf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestPasswordDecrypt_WrongPassword(t *testing.T) {
	ciphertext, err := PasswordEncrypt("aaa-correct-password", []byte("secret data"))
	if err != nil {
		t.Fatalf("PasswordEncrypt: %v", err)
	}
	if _, err := PasswordDecrypt("aaa-wrong-password-x", ciphertext); err == nil {
		t.Error("expected error decrypting with wrong password")
	}
}

func TestPasswordDecrypt_TooShort(t *testing.T) {
	if _, err := PasswordDecrypt("aaapassword", []byte("short")); err == nil {
		t.Error("expected error for too-short ciphertext")
	}
}

func TestPasswordEncrypt_DistinctCiphertextsEachCall(t *testing.T) {
	c1, err := PasswordEncrypt("aaapassword12345", []byte("same plaintext"))
	if err != nil {
		t.Fatalf("PasswordEncrypt: %v", err)
	}
	c2, err := PasswordEncrypt("aaapassword12345", []byte("same plaintext"))
	if err != nil {
		t.Fatalf("PasswordEncrypt: %v", err)
	}
	if string(c1) == string(c2) {
		t.Error("expected distinct ciphertexts for the same plaintext (random salt/nonce)")
	}
}
