package decoder

import (
	"fmt"
)

// ─────────────────────────────────────────────────────────────────────────────
// Error taxonomy
// ─────────────────────────────────────────────────────────────────────────────

// Category classifies a decode failure for counting and observability.
// The values double as the Prometheus label values.
type Category string

const (
	// CategoryTruncated covers datagrams cut off mid-field or declaring
	// lengths that exceed the remaining buffer.
	CategoryTruncated Category = "truncated"

	// CategoryMalformed covers structurally invalid BER: wrong outer tag,
	// indefinite lengths, inconsistent nesting, unexpected PDU types.
	CategoryMalformed Category = "malformed"

	// CategoryUnsupportedVersion covers version tags other than v1/v2c/v3.
	CategoryUnsupportedVersion Category = "unsupported_version"

	// CategoryAuthFailure covers v3 authentication/decryption failures and
	// v1/v2c community mismatches.
	CategoryAuthFailure Category = "auth_failure"

	// CategoryTooLarge covers datagrams exceeding the configured packet size,
	// nesting depth, or varbind count caps.
	CategoryTooLarge Category = "too_large"
)

// DecodeError is the typed error returned for every rejected datagram.
// It wraps the underlying cause when one exists.
type DecodeError struct {
	Category Category
	Detail   string
	Err      error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decoder: %s: %s: %v", e.Category, e.Detail, e.Err)
	}
	return fmt.Sprintf("decoder: %s: %s", e.Category, e.Detail)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(cat Category, format string, args ...any) *DecodeError {
	return &DecodeError{Category: cat, Detail: fmt.Sprintf(format, args...)}
}

// CategoryOf extracts the category from a decode error. Non-decoder errors
// classify as malformed so that every failure lands on some counter.
func CategoryOf(err error) Category {
	for err != nil {
		if de, ok := err.(*DecodeError); ok {
			return de.Category
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return CategoryMalformed
}

// ─────────────────────────────────────────────────────────────────────────────
// BER frame preflight
// ─────────────────────────────────────────────────────────────────────────────

// Structural caps applied before any value is interpreted. Datagrams from
// untrusted peers must not be able to force deep recursion or large
// allocations out of the parser.
const (
	maxNestingDepth = 32
	maxElements     = 4096
)

// frameWalker validates the BER tag/length/value framing of a datagram
// without interpreting any values. It guarantees to the real parser that
// every definite length fits inside its enclosing field.
type frameWalker struct {
	elements int
}

// validateFrame checks the complete datagram: a constructed outer SEQUENCE
// whose declared length matches the buffer, with all nested lengths
// consistent and the depth/element caps respected.
func validateFrame(buf []byte) error {
	if len(buf) == 0 {
		return decodeErr(CategoryTruncated, "empty datagram")
	}
	if buf[0] != 0x30 {
		return decodeErr(CategoryMalformed, "outer tag 0x%02x is not SEQUENCE", buf[0])
	}

	w := &frameWalker{}
	n, err := w.walk(buf, 0)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return decodeErr(CategoryMalformed, "%d trailing bytes after outer SEQUENCE", len(buf)-n)
	}
	return nil
}

// walk consumes exactly one TLV element from buf and returns the number of
// bytes consumed. Constructed elements are descended into; their content must
// consist of whole TLV elements filling the declared length exactly.
func (w *frameWalker) walk(buf []byte, depth int) (int, error) {
	if depth > maxNestingDepth {
		return 0, decodeErr(CategoryTooLarge, "nesting depth exceeds %d", maxNestingDepth)
	}
	w.elements++
	if w.elements > maxElements {
		return 0, decodeErr(CategoryTooLarge, "element count exceeds %d", maxElements)
	}

	if len(buf) < 2 {
		return 0, decodeErr(CategoryTruncated, "datagram ends inside tag/length header")
	}

	tag := buf[0]
	if tag&0x1f == 0x1f {
		// Multi-byte tag numbers never occur in SNMP.
		return 0, decodeErr(CategoryMalformed, "high tag number form in tag 0x%02x", tag)
	}

	length, headerLen, err := readLength(buf[1:])
	if err != nil {
		return 0, err
	}
	total := 1 + headerLen + length
	if total > len(buf) {
		return 0, decodeErr(CategoryTruncated,
			"declared length %d exceeds remaining %d bytes", length, len(buf)-1-headerLen)
	}

	if tag&0x20 != 0 {
		// Constructed: contents must be a run of whole TLV elements.
		contents := buf[1+headerLen : total]
		for len(contents) > 0 {
			n, err := w.walk(contents, depth+1)
			if err != nil {
				return 0, err
			}
			contents = contents[n:]
		}
	}

	return total, nil
}

// readLength parses a BER definite length octet sequence and returns the
// content length plus the number of length octets consumed. Indefinite
// lengths (0x80) are not valid in SNMP and are rejected.
func readLength(buf []byte) (length, consumed int, err error) {
	if len(buf) == 0 {
		return 0, 0, decodeErr(CategoryTruncated, "missing length octet")
	}
	first := buf[0]
	if first < 0x80 {
		return int(first), 1, nil
	}
	if first == 0x80 {
		return 0, 0, decodeErr(CategoryMalformed, "indefinite length is not valid in SNMP")
	}

	n := int(first & 0x7f)
	if n > 4 {
		return 0, 0, decodeErr(CategoryTooLarge, "%d length octets", n)
	}
	if len(buf) < 1+n {
		return 0, 0, decodeErr(CategoryTruncated, "datagram ends inside long-form length")
	}

	length = 0
	for i := 1; i <= n; i++ {
		length = length<<8 | int(buf[i])
		if length > 1<<24 {
			return 0, 0, decodeErr(CategoryTooLarge, "declared length %d", length)
		}
	}
	return length, 1 + n, nil
}

// peekVersion extracts the SNMP version integer from a frame-validated
// datagram: the first element inside the outer SEQUENCE is INTEGER version.
func peekVersion(buf []byte) (int, error) {
	// Outer SEQUENCE header.
	_, seqHdr, err := readLength(buf[1:])
	if err != nil {
		return 0, err
	}
	inner := buf[1+seqHdr:]

	if len(inner) < 3 || inner[0] != 0x02 {
		return 0, decodeErr(CategoryMalformed, "first element is not INTEGER version")
	}
	vlen, vhdr, err := readLength(inner[1:])
	if err != nil {
		return 0, err
	}
	if vlen < 1 || vlen > 4 || len(inner) < 1+vhdr+vlen {
		return 0, decodeErr(CategoryMalformed, "version integer has length %d", vlen)
	}

	v := 0
	for _, b := range inner[1+vhdr : 1+vhdr+vlen] {
		v = v<<8 | int(b)
	}
	return v, nil
}
