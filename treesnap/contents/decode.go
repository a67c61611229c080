package contents

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

var (
	ErrBinary          = errors.New("file contents look binary")
	ErrUnknownEncoding = errors.New("unknown text encoding")
)

// Encoding names a supported text encoding for raw file bytes.
type Encoding string

const (
	EncodingAuto        Encoding = "auto"
	EncodingUTF8        Encoding = "utf-8"
	EncodingUTF16LE     Encoding = "utf-16le"
	EncodingUTF16BE     Encoding = "utf-16be"
	EncodingLatin1      Encoding = "latin1"
	EncodingWindows1252 Encoding = "windows-1252"
)

// binarySniffLen is how many leading bytes are inspected for NUL bytes.
const binarySniffLen = 8000

var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

// ParseEncoding maps a config value onto an Encoding.
func ParseEncoding(name string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto":
		return EncodingAuto, nil
	case "utf-8", "utf8":
		return EncodingUTF8, nil
	case "utf-16le", "utf16le", "utf-16":
		return EncodingUTF16LE, nil
	case "utf-16be", "utf16be":
		return EncodingUTF16BE, nil
	case "latin1", "latin-1", "iso-8859-1":
		return EncodingLatin1, nil
	case "windows-1252", "cp1252":
		return EncodingWindows1252, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEncoding, name)
	}
}

// Decode turns raw file bytes into UTF-8 text.
//
// With EncodingAuto a byte order mark selects UTF-8 or UTF-16; otherwise
// NUL bytes near the start mark the file as binary, valid UTF-8 is taken as
// is and anything else is read as Windows-1252.
func Decode(raw []byte, enc Encoding) (string, error) {
	switch enc {
	case EncodingAuto:
		return decodeAuto(raw)
	case EncodingUTF8:
		if isBinary(raw) {
			return "", ErrBinary
		}
		return decodeWith(unicode.UTF8BOM, raw)
	case EncodingUTF16LE:
		return decodeWith(unicode.UTF16(unicode.LittleEndian, unicode.UseBOM), raw)
	case EncodingUTF16BE:
		return decodeWith(unicode.UTF16(unicode.BigEndian, unicode.UseBOM), raw)
	case EncodingLatin1:
		if isBinary(raw) {
			return "", ErrBinary
		}
		return decodeWith(charmap.ISO8859_1, raw)
	case EncodingWindows1252:
		if isBinary(raw) {
			return "", ErrBinary
		}
		return decodeWith(charmap.Windows1252, raw)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEncoding, string(enc))
	}
}

func decodeAuto(raw []byte) (string, error) {
	if bytes.HasPrefix(raw, bomUTF8) || bytes.HasPrefix(raw, bomUTF16LE) || bytes.HasPrefix(raw, bomUTF16BE) {
		out, _, err := transform.Bytes(unicode.BOMOverride(unicode.UTF8.NewDecoder()), raw)
		if err != nil {
			return "", fmt.Errorf("failed to decode text with byte order mark: %w", err)
		}
		return string(out), nil
	}
	if isBinary(raw) {
		return "", ErrBinary
	}
	if utf8.Valid(raw) {
		return string(raw), nil
	}
	return decodeWith(charmap.Windows1252, raw)
}

func decodeWith(enc encoding.Encoding, raw []byte) (string, error) {
	out, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("failed to decode text: %w", err)
	}
	return string(out), nil
}

func isBinary(raw []byte) bool {
	return bytes.IndexByte(raw[:min(len(raw), binarySniffLen)], 0) >= 0
}
