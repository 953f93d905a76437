package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func newQuery(t *testing.T, name string) *dns.Msg {
	query := new(dns.Msg)
	query.SetQuestion(dns.Fqdn(name), dns.TypeA)

	return query
}

func TestServerFailureUnprefixed(t *testing.T) {
	query := newQuery(t, "example.com")
	packed, err := query.Pack()
	require.NoError(t, err)

	reply, err := ServerFailure(packed)
	require.NoError(t, err)

	msg := new(dns.Msg)
	require.NoError(t, msg.Unpack(reply))
	require.True(t, msg.Response)
	require.Equal(t, query.Id, msg.Id)
	require.Equal(t, dns.RcodeServerFailure, msg.Rcode)
	require.Equal(t, query.Question, msg.Question)
}

func TestServerFailureLengthPrefixed(t *testing.T) {
	query := newQuery(t, "example.org")
	packed, err := query.Pack()
	require.NoError(t, err)

	framed := make([]byte, 2, 2+len(packed))
	binary.BigEndian.PutUint16(framed, uint16(len(packed)))
	framed = append(framed, packed...)

	reply, err := ServerFailure(framed)
	require.NoError(t, err)
	require.True(t, hasLengthPrefix(reply))

	msg := new(dns.Msg)
	require.NoError(t, msg.Unpack(reply[2:]))
	require.Equal(t, query.Id, msg.Id)
	require.Equal(t, dns.RcodeServerFailure, msg.Rcode)
}

func TestServerFailureRejectsGarbage(t *testing.T) {
	_, err := ServerFailure([]byte{0x01, 0x02, 0x03})
	require.Error(t, err)

	_, err = ServerFailure(nil)
	require.Error(t, err)
}
