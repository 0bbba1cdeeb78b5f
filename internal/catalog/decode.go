package catalog

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// decodeText converts raw catalog bytes to UTF-8. Valid UTF-8 passes through;
// otherwise the charset is sniffed and unknown results fall back to
// Windows-1252, which maps every byte.
func decodeText(raw []byte) ([]byte, string, error) {
	if bytes.HasPrefix(raw, utf8BOM) {
		return raw[len(utf8BOM):], "utf-8", nil
	}
	if enc, name := bomEncoding(raw); enc != nil {
		out, err := enc.NewDecoder().Bytes(raw)
		if err != nil {
			return nil, name, fmt.Errorf("decode %s: %w", name, err)
		}
		return out, name, nil
	}
	if utf8.Valid(raw) {
		return raw, "utf-8", nil
	}

	enc, name := detectEncoding(raw)
	out, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return nil, name, fmt.Errorf("decode %s: %w", name, err)
	}
	return out, name, nil
}

func bomEncoding(raw []byte) (encoding.Encoding, string) {
	switch {
	case bytes.HasPrefix(raw, []byte{0xFF, 0xFE}):
		return unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM), "utf-16le"
	case bytes.HasPrefix(raw, []byte{0xFE, 0xFF}):
		return unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM), "utf-16be"
	default:
		return nil, ""
	}
}

func detectEncoding(raw []byte) (encoding.Encoding, string) {
	fallback := charmap.Windows1252
	result, err := chardet.NewTextDetector().DetectBest(raw)
	if err != nil || result == nil {
		return fallback, "windows-1252"
	}
	label := strings.ToLower(result.Charset)
	if label == "utf-8" {
		return fallback, "windows-1252"
	}
	enc, name := charset.Lookup(label)
	if enc == nil {
		return fallback, "windows-1252"
	}
	return enc, name
}
