package analysis

import (
	"io"
	"os"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"tabfuse/internal/errs"
)

// Decoder converts source bytes in a known encoding to UTF-8 strings.
// Strict mode fails on malformed input; otherwise bad bytes become the
// replacement character.
type Decoder struct {
	Name   string
	Strict bool
}

// NewDecoder returns a decoder for the named encoding. Supported names are
// utf-8 and cp1251 (the engine's fallback); anything else decodes as utf-8.
func NewDecoder(name string, strict bool) *Decoder {
	return &Decoder{Name: normalizeEncodingName(name), Strict: strict}
}

// DecodeBytes converts one raw line.
func (d *Decoder) DecodeBytes(raw []byte) (string, error) {
	switch d.Name {
	case "cp1251":
		decoded, err := charmap.Windows1251.NewDecoder().Bytes(raw)
		if err != nil {
			if d.Strict {
				return "", errs.Wrap(errs.KindEncoding, err, "decode cp1251")
			}
			return string(decoded), nil
		}
		return string(decoded), nil
	default:
		if d.Strict && !utf8.Valid(raw) {
			return "", errs.New(errs.KindEncoding, "invalid utf-8 sequence")
		}
		return string(raw), nil
	}
}

// Reader wraps r so reads yield UTF-8 regardless of the source encoding.
func (d *Decoder) Reader(r io.Reader) io.Reader {
	if d.Name == "cp1251" {
		return transform.NewReader(r, charmap.Windows1251.NewDecoder())
	}
	return r
}

func normalizeEncodingName(name string) string {
	switch name {
	case "cp1251", "windows-1251", "windows1251":
		return "cp1251"
	default:
		return "utf-8"
	}
}

// DetectFileEncoding tries UTF-8 on the first 4 KiB, then CP1251, then the
// configured default. CP1251 decodes any byte sequence, so a non-empty file
// that is not valid UTF-8 is always reported as cp1251; the default applies
// only to empty or unreadable files.
func DetectFileEncoding(path, fallback string) string {
	handle, err := os.Open(path)
	if err != nil {
		return fallback
	}
	defer handle.Close()
	buf := make([]byte, 4096)
	n, _ := io.ReadFull(handle, buf)
	if n == 0 {
		return fallback
	}
	raw := buf[:n]
	if utf8.Valid(trimPartialRune(raw)) {
		return "utf-8"
	}
	if _, err := charmap.Windows1251.NewDecoder().Bytes(raw); err == nil {
		return "cp1251"
	}
	return fallback
}

// trimPartialRune drops a trailing multi-byte rune cut off by the 4 KiB
// window so it does not fail validation spuriously.
func trimPartialRune(raw []byte) []byte {
	for i := 0; i < 4 && len(raw) > 0; i++ {
		r, size := utf8.DecodeLastRune(raw)
		if r != utf8.RuneError || size != 1 {
			return raw
		}
		raw = raw[:len(raw)-1]
	}
	return raw
}
