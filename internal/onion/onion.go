// Package onion implements the onion framing format and decode pipeline:
// extracting ciphertext from a steganographic JPEG, decrypting it with the
// session password, and validating the resulting header.
package onion

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"rendezvous-acs-server/internal/crypto"
	"rendezvous-acs-server/internal/stegojpeg"
)

// Type identifies an onion layer.
type Type int

// The five onion layer types, in the order the Peeler understands them.
const (
	Base Type = iota
	Pow
	Captcha
	Signed
	Collection
)

// String returns the wire name for t
// ("base" | "pow" | "captcha" | "signed" | "collection").
func (t Type) String() string {
	switch t {
	case Base:
		return "base"
	case Pow:
		return "pow"
	case Captcha:
		return "captcha"
	case Signed:
		return "signed"
	case Collection:
		return "collection"
	default:
		return "unknown"
	}
}

// magic is the fixed tag identifying a valid onion buffer.
const magic uint32 = 0x4F4E494F // "ONIO"

// headerSize is the minimum size of a well-formed onion: magic, type,
// size, puzzle offset, puzzle size, data offset, data size — seven
// uint32 fields.
const headerSize = 4 * 7

// Onion is a layered, steganographically-embedded payload. Raw holds the
// full decoded buffer; Puzzle() and Data() slice into it without copying.
type Onion struct {
	Magic        uint32
	Type         Type
	Size         uint32
	PuzzleOffset uint32
	PuzzleSize   uint32
	DataOffset   uint32
	DataSize     uint32
	Raw          []byte
}

// Puzzle returns the puzzle slice (hash + secret) for POW onions.
func (o *Onion) Puzzle() []byte {
	return o.Raw[o.PuzzleOffset : o.PuzzleOffset+o.PuzzleSize]
}

// Data returns the onion's opaque payload slice.
func (o *Onion) Data() []byte {
	return o.Raw[o.DataOffset : o.DataOffset+o.DataSize]
}

// Validate checks magic, header-sized minimum, and that size equals the
// buffer length, and returns the parsed Onion.
func Validate(buf []byte) (*Onion, error) {
	if len(buf) < headerSize {
		return nil, fmt.Errorf("onion buffer too short: %d bytes, need at least %d", len(buf), headerSize)
	}

	got := binary.BigEndian.Uint32(buf[0:4])
	if got != magic {
		return nil, fmt.Errorf("bad onion magic: got %#x, want %#x", got, magic)
	}

	typeVal := binary.BigEndian.Uint32(buf[4:8])
	if typeVal > uint32(Collection) {
		return nil, fmt.Errorf("unknown onion type %d", typeVal)
	}

	size := binary.BigEndian.Uint32(buf[8:12])
	if int(size) != len(buf) {
		return nil, fmt.Errorf("onion size field %d does not match buffer length %d", size, len(buf))
	}

	o := &Onion{
		Magic:        got,
		Type:         Type(typeVal),
		Size:         size,
		PuzzleOffset: binary.BigEndian.Uint32(buf[12:16]),
		PuzzleSize:   binary.BigEndian.Uint32(buf[16:20]),
		DataOffset:   binary.BigEndian.Uint32(buf[20:24]),
		DataSize:     binary.BigEndian.Uint32(buf[24:28]),
		Raw:          buf,
	}

	if err := o.checkSlice(o.PuzzleOffset, o.PuzzleSize, "puzzle"); err != nil {
		return nil, err
	}
	if err := o.checkSlice(o.DataOffset, o.DataSize, "data"); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Onion) checkSlice(offset, size uint32, name string) error {
	end := uint64(offset) + uint64(size)
	if end > uint64(len(o.Raw)) {
		return fmt.Errorf("%s slice [%d:%d] exceeds onion buffer of %d bytes", name, offset, end, len(o.Raw))
	}
	return nil
}

// Encode builds the wire representation of an onion with the given type
// and opaque payload; used by tests to build onion fixtures. puzzle may be
// nil for non-POW onions.
func Encode(t Type, puzzle, data []byte) []byte {
	size := uint32(headerSize + len(puzzle) + len(data))
	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf[0:4], magic)
	binary.BigEndian.PutUint32(buf[4:8], uint32(t))
	binary.BigEndian.PutUint32(buf[8:12], size)
	binary.BigEndian.PutUint32(buf[12:16], headerSize)
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(puzzle)))
	binary.BigEndian.PutUint32(buf[20:24], uint32(headerSize+len(puzzle)))
	binary.BigEndian.PutUint32(buf[24:28], uint32(len(data)))
	copy(buf[headerSize:], puzzle)
	copy(buf[headerSize+len(puzzle):], data)
	return buf
}

// Net is the decoded NET JSON record a BASE onion's data carries.
type Net struct {
	Window     uint64 `json:"window"`
	Wait       uint64 `json:"wait"`
	Redirect   string `json:"redirect"`
	Initial    string `json:"initial"`
	Passphrase string `json:"passphrase"`
}

// ParseNet parses a BASE onion's data payload as a NET record.
func ParseNet(data []byte) (*Net, error) {
	var n Net
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("parse NET: %w", err)
	}
	return &n, nil
}

// Decoder composes steganographic extraction, password decryption, and
// header validation into the Peeler's image-handling pipeline. Decoder is
// stateless and holds no session data — the Peeler owns artifact cleanup
// on failure.
type Decoder struct{}

// NewDecoder returns a ready-to-use Decoder.
func NewDecoder() *Decoder { return &Decoder{} }

// ExtractFromJPEG recovers the embedded ciphertext from body (a raw JPEG
// with bodyOffset leading application-framing bytes already accounted
// for) and returns it alongside the cover image bytes that should be
// written to disk. It does not touch the filesystem itself — the Peeler
// decides where to write imagePath/imageDir.
func (d *Decoder) ExtractFromJPEG(body []byte, bodyOffset int) (ciphertext, cover []byte, err error) {
	return stegojpeg.Extract(body, bodyOffset)
}

// Decrypt performs the onion's symmetric password decrypt step.
func (d *Decoder) Decrypt(password string, ciphertext []byte) ([]byte, error) {
	return crypto.PasswordDecrypt(password, ciphertext)
}
