// Package canonical produces the deterministic byte form of a transaction's
// signable content and the content hashes derived from it. Two encoders on
// two platforms must emit byte-identical output for the same logical
// content, since the ledger's identifiers and signatures are computed over
// these bytes.
package canonical

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/altamira/traceledger/backend/internal/domain"
)

// ErrEncoding indicates the payload contains a value that has no canonical
// serialization. It points at corrupt upstream data, not at a forged record.
var ErrEncoding = errors.New("payload cannot be canonically encoded")

// Encode serializes the signable fields of tx into their canonical form:
// a compact JSON object with the fixed field order
// type, mode, transmitter, [receiver,] timestamp, data. The receiver field
// is present only when the transaction names one. The timestamp is the raw
// client string, verbatim; reformatting it would change the hash. Payload
// keys are ordered lexicographically, which json.Marshal guarantees for
// string-keyed maps. Output is pure ASCII: runes above 0x7F become \uXXXX
// escapes, the form the existing ledger's records were signed in. Numeric
// payload values decoded as json.Number keep their signed textual form
// (50.0 stays 50.0).
func Encode(tx domain.Transaction) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	buf.WriteString(strconv.Itoa(tx.Type))
	buf.WriteString(`,"mode":`)
	buf.WriteString(strconv.Itoa(tx.Mode))
	buf.WriteString(`,"transmitter":`)
	if err := appendValue(&buf, tx.Transmitter); err != nil {
		return nil, err
	}
	if tx.Receiver != "" {
		buf.WriteString(`,"receiver":`)
		if err := appendValue(&buf, tx.Receiver); err != nil {
			return nil, err
		}
	}
	buf.WriteString(`,"timestamp":`)
	if err := appendValue(&buf, tx.RawClientTimestamp); err != nil {
		return nil, err
	}
	buf.WriteString(`,"data":`)
	payload := tx.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	if err := appendValue(&buf, payload); err != nil {
		return nil, err
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// appendValue writes the compact ASCII JSON encoding of v without HTML
// escaping.
func appendValue(buf *bytes.Buffer, v any) error {
	var raw bytes.Buffer
	enc := json.NewEncoder(&raw)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	// Encode terminates the value with a newline that is not part of the
	// canonical form.
	escapeNonASCII(buf, raw.Bytes()[:raw.Len()-1])
	return nil
}

// escapeNonASCII copies b into buf, rewriting every rune above 0x7F as a
// lowercase \uXXXX escape (a UTF-16 surrogate pair above the BMP). Non-ASCII
// bytes can only occur inside JSON string literals, so the rewrite never
// touches structural characters.
func escapeNonASCII(buf *bytes.Buffer, b []byte) {
	for i := 0; i < len(b); {
		if b[i] < utf8.RuneSelf {
			buf.WriteByte(b[i])
			i++
			continue
		}
		r, size := utf8.DecodeRune(b[i:])
		i += size
		if r > 0xFFFF {
			hi, lo := utf16.EncodeRune(r)
			fmt.Fprintf(buf, `\u%04x\u%04x`, hi, lo)
			continue
		}
		fmt.Fprintf(buf, `\u%04x`, r)
	}
}
