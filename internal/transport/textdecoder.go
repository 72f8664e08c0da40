package transport

import (
	"errors"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// textDecoder turns a byte stream into text across arbitrary chunk
// boundaries. Bytes of an incomplete code point at the end of a chunk are
// held until the next call; invalid sequences become U+FFFD.
type textDecoder struct {
	t       transform.Transformer
	pending []byte
	buf     []byte
}

func newTextDecoder() *textDecoder {
	return &textDecoder{t: unicode.UTF8.NewDecoder()}
}

// decode converts p, plus any bytes held from the previous call, to text.
// With atEOF set, held bytes are flushed as replacement characters.
func (d *textDecoder) decode(p []byte, atEOF bool) string {
	src := append(d.pending, p...)
	d.pending = nil
	if len(src) == 0 {
		return ""
	}

	// Each invalid byte may expand to a 3 byte replacement character.
	if need := len(src)*3 + utf8.UTFMax; cap(d.buf) < need {
		d.buf = make([]byte, need)
	}
	dst := d.buf[:cap(d.buf)]

	var out strings.Builder
	for {
		nDst, nSrc, err := d.t.Transform(dst, src, atEOF)
		out.Write(dst[:nDst])
		src = src[nSrc:]

		switch {
		case err == nil:
			return out.String()
		case errors.Is(err, transform.ErrShortSrc):
			d.pending = append([]byte(nil), src...)
			return out.String()
		case errors.Is(err, transform.ErrShortDst):
			if nDst == 0 && nSrc == 0 {
				dst = make([]byte, len(dst)*2)
			}
		default:
			return out.String()
		}
	}
}
