package onion

import (
	"testing"

	"rendezvous-acs-server/internal/crypto"
	"rendezvous-acs-server/internal/stegojpeg"
)

func TestValidate_RoundTrip(t *testing.T) {
	raw := Encode(Base, nil, []byte(`{"window":7}`))
	o, err := Validate(raw)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if o.Type != Base {
		t.Errorf("Type: got %v, want Base", o.Type)
	}
	if string(o.Data()) != `{"window":7}` {
		t.Errorf("Data: got %q", o.Data())
	}
}

func TestValidate_WithPuzzle(t *testing.T) {
	puzzle := []byte("20-byte-hash--------secret-salt")
	raw := Encode(Pow, puzzle, []byte("opaque-data"))
	o, err := Validate(raw)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if string(o.Puzzle()) != string(puzzle) {
		t.Errorf("Puzzle: got %q want %q", o.Puzzle(), puzzle)
	}
	if string(o.Data()) != "opaque-data" {
		t.Errorf("Data: got %q", o.Data())
	}
}

func TestValidate_TooShort(t *testing.T) {
	if _, err := Validate([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for too-short buffer")
	}
}

func TestValidate_BadMagic(t *testing.T) {
	raw := Encode(Base, nil, []byte("x"))
	raw[0] = 0x00
	if _, err := Validate(raw); err == nil {
		t.Error("expected error for bad magic")
	}
}

func TestValidate_SizeMismatch(t *testing.T) {
	raw := Encode(Base, nil, []byte("x"))
	raw = append(raw, 0xFF) // buffer now longer than the encoded size field
	if _, err := Validate(raw); err == nil {
		t.Error("expected error for size field mismatch")
	}
}

func TestValidate_UnknownType(t *testing.T) {
	raw := Encode(Collection, nil, []byte("x"))
	raw[7] = 0xFF // corrupt the low byte of the type field
	if _, err := Validate(raw); err == nil {
		t.Error("expected error for unknown onion type")
	}
}

func TestType_String(t *testing.T) {
	cases := map[Type]string{
		Base: "base", Pow: "pow", Captcha: "captcha", Signed: "signed", Collection: "collection",
	}
	for typ, want := range cases {
		if got := typ.String(); got != want {
			t.Errorf("%v.String() = %q, want %q", typ, got, want)
		}
	}
}

func TestParseNet_ValidFields(t *testing.T) {
	data := []byte(`{"window":7,"wait":4,"redirect":"192.0.1.2","initial":"192.0.1.25","passphrase":"8b42c8971567e309c5fe7865"}`)
	n, err := ParseNet(data)
	if err != nil {
		t.Fatalf("ParseNet: %v", err)
	}
	if n.Window != 7 || n.Wait != 4 || n.Redirect != "192.0.1.2" || n.Initial != "192.0.1.25" {
		t.Errorf("unexpected NET: %+v", n)
	}
}

func TestParseNet_InvalidJSON(t *testing.T) {
	if _, err := ParseNet([]byte("not json")); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestDecoder_DecryptRoundTrip(t *testing.T) {
	password := "aaa-password-for-decoder-test"
	plaintext := Encode(Base, nil, []byte(`{"window":1,"wait":1,"redirect":"r","initial":"i"}`))

	ciphertext, err := crypto.PasswordEncrypt(password, plaintext)
	if err != nil {
		t.Fatalf("PasswordEncrypt: %v", err)
	}

	d := NewDecoder()
	got, err := d.Decrypt(password, ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Errorf("Decrypt mismatch: got %q want %q", got, plaintext)
	}
}

func TestDecoder_ExtractFromJPEG(t *testing.T) {
	d := NewDecoder()
	cover := []byte{0xFF, 0xD8, 0xFF, 0xD9}
	payload := []byte("embedded-ciphertext")

	embedded, err := stegojpeg.Embed(cover, payload)
	if err != nil {
		t.Fatalf("stegojpeg.Embed: %v", err)
	}

	ciphertext, gotCover, err := d.ExtractFromJPEG(embedded, 0)
	if err != nil {
		t.Fatalf("ExtractFromJPEG: %v", err)
	}
	if string(ciphertext) != string(payload) {
		t.Errorf("ciphertext mismatch: got %q want %q", ciphertext, payload)
	}
	if string(gotCover) != string(cover) {
		t.Errorf("cover mismatch: got %v want %v", gotCover, cover)
	}
}
