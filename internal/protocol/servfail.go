package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/miekg/dns"
)

// ServerFailure builds a SERVFAIL reply to query, echoing its ID and question. A query carrying a
// DNS over TCP length prefix gets a length-prefixed reply. It returns an error if the query does not
// parse as a DNS message.
func ServerFailure(query []byte) ([]byte, error) {
	req := new(dns.Msg)
	prefixed := false

	if hasLengthPrefix(query) && req.Unpack(query[2:]) == nil {
		prefixed = true
	} else if err := req.Unpack(query); err != nil {
		return nil, fmt.Errorf("servfail: error parsing query: err=%v", err)
	}

	reply := new(dns.Msg)
	reply.SetRcode(req, dns.RcodeServerFailure)

	packed, err := reply.Pack()
	if err != nil {
		return nil, fmt.Errorf("servfail: error packing reply: err=%v", err)
	}

	if !prefixed {
		return packed, nil
	}

	framed := make([]byte, 2, 2+len(packed))
	binary.BigEndian.PutUint16(framed, uint16(len(packed)))

	return append(framed, packed...), nil
}

// hasLengthPrefix reports whether the first two octets of msg state the length of the remainder.
func hasLengthPrefix(msg []byte) bool {
	return len(msg) > 2 && int(binary.BigEndian.Uint16(msg)) == len(msg)-2
}
