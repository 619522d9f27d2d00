// Package stegojpeg gives the rendezvous protocol's external JPEG
// steganography collaborator a minimal, concrete implementation.
//
// Onions are hidden inside a JPEG COM (comment, marker 0xFFFE) segment
// placed immediately after the Start-Of-Image marker. This is not a
// production steganographic scheme — it is the simplest round-trip that
// lets onion.Decoder.ExtractFromJPEG call something real instead of a stub.
package stegojpeg

import (
	"encoding/binary"
	"fmt"
)

const markerSOI = 0xFFD8 // Start Of Image

// comMarker is the JPEG COM (comment) marker, 0xFFFE.
const comMarker = 0xFFFE

// maxPayload bounds how much can be embedded in one COM segment; JPEG
// marker segment length is a 16-bit field including the 2 length bytes.
const maxPayload = 0xFFFF - 2

// Embed inserts payload into cover (a well-formed JPEG, beginning with the
// SOI marker) as a COM segment immediately following SOI, and returns the
// combined bytes. Any existing COM segment in that position is left alone;
// Embed always prepends a new one.
func Embed(cover, payload []byte) ([]byte, error) {
	if len(cover) < 2 || binary.BigEndian.Uint16(cover[:2]) != markerSOI {
		return nil, fmt.Errorf("cover is not a JPEG (missing SOI marker)")
	}
	if len(payload) > maxPayload {
		return nil, fmt.Errorf("payload too large for one COM segment: %d bytes", len(payload))
	}

	segLen := len(payload) + 2 // length field includes itself
	out := make([]byte, 0, 2+4+len(payload)+len(cover)-2)
	out = append(out, cover[:2]...) // SOI
	out = append(out, byte(comMarker>>8), byte(comMarker&0xFF))
	out = append(out, byte(segLen>>8), byte(segLen))
	out = append(out, payload...)
	out = append(out, cover[2:]...)
	return out, nil
}

// Extract reads body starting at bodyOffset (the application-framing
// offset the HTTP layer has already stripped past), expects a JPEG with a
// COM segment carrying the embedded payload immediately after SOI, and
// returns the payload plus the cover image with that COM segment removed
// (the bytes that should be written to disk as the session's extracted
// image).
func Extract(body []byte, bodyOffset int) (payload, cover []byte, err error) {
	if bodyOffset < 0 || bodyOffset > len(body) {
		return nil, nil, fmt.Errorf("invalid body offset %d for %d-byte body", bodyOffset, len(body))
	}
	buf := body[bodyOffset:]
	if len(buf) < 6 || binary.BigEndian.Uint16(buf[:2]) != markerSOI {
		return nil, nil, fmt.Errorf("not a JPEG (missing SOI marker)")
	}
	if binary.BigEndian.Uint16(buf[2:4]) != comMarker {
		return nil, nil, fmt.Errorf("no embedded COM segment found after SOI")
	}
	segLen := int(binary.BigEndian.Uint16(buf[4:6]))
	if segLen < 2 {
		return nil, nil, fmt.Errorf("invalid COM segment length %d", segLen)
	}
	payloadLen := segLen - 2
	end := 6 + payloadLen
	if end > len(buf) {
		return nil, nil, fmt.Errorf("COM segment length %d exceeds body", segLen)
	}

	payload = append([]byte(nil), buf[6:end]...)

	cover = make([]byte, 0, len(buf)-payloadLen-4)
	cover = append(cover, buf[:2]...) // SOI
	cover = append(cover, buf[end:]...)

	return payload, cover, nil
}
