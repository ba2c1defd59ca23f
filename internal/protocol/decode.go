// Package protocol implements the line-oriented text protocol spoken by the
// OLR race firmware: byte-to-line decoding, line framing, telemetry parsing
// and the command token set.
package protocol

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// decoder is one attempt in the fallback chain. ok=false means "try the next one".
type decoder struct {
	name   string
	decode func(raw []byte) (string, bool)
}

// decoders is tried in order; the first successful attempt wins.
var decoders = []decoder{
	{"utf-8", decodeUTF8},
	{"iso-8859-1", decodeLatin1},
	{"ascii", decodeASCII},
}

func decodeUTF8(raw []byte) (string, bool) {
	if !utf8.Valid(raw) {
		return "", false
	}
	return string(raw), true
}

// decodeLatin1 maps every byte to a codepoint, so it only fails if the
// charmap decoder itself errors.
func decodeLatin1(raw []byte) (string, bool) {
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		return "", false
	}
	return string(out), true
}

// decodeASCII keeps 7-bit bytes and drops the rest. Never fails.
func decodeASCII(raw []byte) (string, bool) {
	var b strings.Builder
	b.Grow(len(raw))
	for _, c := range raw {
		if c < utf8.RuneSelf {
			b.WriteByte(c)
		}
	}
	return b.String(), true
}

// DecodeLine converts a raw frame from the device into a text line with
// trailing whitespace and line terminators removed. It never fails: bytes
// that cannot be decoded at all yield an empty string.
func DecodeLine(raw []byte) string {
	line, _ := decodeWith(raw)
	return line
}

// decodeWith is DecodeLine that also reports which decoder produced the text.
func decodeWith(raw []byte) (string, string) {
	if len(raw) == 0 {
		return "", ""
	}
	for _, d := range decoders {
		if s, ok := d.decode(raw); ok {
			return strings.TrimRightFunc(s, unicode.IsSpace), d.name
		}
	}
	return "", ""
}
