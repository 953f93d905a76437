//go:generate go run golang.org/x/tools/cmd/stringer -type=Framing -linecomment=true

package network

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// Framing describes how the boundary of a single DNS message is found on a byte stream.
type Framing int

const (
	// Raw treats the bytes returned by one bounded read as the complete message. Anything beyond
	// the buffer size is left unread and is effectively truncated.
	Raw Framing = iota // raw
	// LengthPrefixed reads the two-octet big-endian length header used by DNS over TCP, followed by
	// exactly that many bytes. The header is kept as part of the returned message.
	LengthPrefixed // tcp
)

// lengthPrefixSize is the size of the DNS over TCP message length header.
const lengthPrefixSize = 2

// ParseFraming looks up a Framing constant by its stringified (case-insensitive) representation.
func ParseFraming(framing string) (Framing, bool) {
	knownFramings := []Framing{Raw, LengthPrefixed}

	for _, knownFraming := range knownFramings {
		if strings.EqualFold(framing, knownFraming.String()) {
			return knownFraming, true
		}
	}

	return Raw, false
}

// ReadMessage reads one message from r. For Raw framing, bufferSize bounds the read; it is ignored
// for LengthPrefixed framing, where the header determines the size.
func ReadMessage(r io.Reader, framing Framing, bufferSize int) ([]byte, error) {
	switch framing {
	case Raw:
		buf := make([]byte, bufferSize)

		n, err := r.Read(buf)
		if n > 0 {
			// Trim the buffer to only what was read; a trailing EOF is irrelevant once data has
			// arrived.
			return buf[:n], nil
		}

		if err == nil {
			err = io.ErrNoProgress
		}

		return nil, err
	case LengthPrefixed:
		header := make([]byte, lengthPrefixSize)
		if _, err := io.ReadFull(r, header); err != nil {
			return nil, err
		}

		size := binary.BigEndian.Uint16(header)
		msg := make([]byte, lengthPrefixSize+int(size))
		copy(msg, header)

		if _, err := io.ReadFull(r, msg[lengthPrefixSize:]); err != nil {
			return nil, err
		}

		return msg, nil
	default:
		return nil, fmt.Errorf("framing: unsupported framing: framing=%s", framing)
	}
}
