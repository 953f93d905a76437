// Package networktest provides in-process trust anchors and mock DNS-over-TLS upstreams for tests.
package networktest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// CA is a throwaway certificate authority.
type CA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

// NewCA creates a certificate authority valid for the duration of a test.
func NewCA(t testing.TB) *CA {
	key := newKey(t)

	template := &x509.Certificate{
		SerialNumber:          newSerial(),
		Subject:               pkix.Name{CommonName: "dotrelay test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &CA{cert: cert, key: key}
}

// Issue creates a server certificate for the given names, signed by the CA. Names that parse as IP
// addresses are added as IP SANs.
func (ca *CA) Issue(t testing.TB, names ...string) tls.Certificate {
	return issue(t, ca.cert, ca.key, names)
}

// Pool returns a pool holding only this CA.
func (ca *CA) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(ca.cert)

	return pool
}

// WriteBundle writes the CA certificate as a PEM bundle into a temporary directory and returns its
// path.
func (ca *CA) WriteBundle(t testing.TB) string {
	path := filepath.Join(t.TempDir(), "ca-certificates.crt")
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.cert.Raw})

	require.NoError(t, os.WriteFile(path, data, 0o600))

	return path
}

// SelfSigned creates a certificate for the given names that is its own issuer.
func SelfSigned(t testing.TB, names ...string) tls.Certificate {
	return issue(t, nil, nil, names)
}

// Responder writes the upstream's reply to a single query.
type Responder func(w io.Writer, query []byte)

// Fixed responds to every query with resp in a single write.
func Fixed(resp []byte) Responder {
	return func(w io.Writer, _ []byte) {
		w.Write(resp)
	}
}

// Echo responds to every query with the query itself.
func Echo() Responder {
	return func(w io.Writer, query []byte) {
		w.Write(query)
	}
}

// Server is a mock DNS-over-TLS upstream. Each connection is served by reading one buffer and
// handing it to the responder.
type Server struct {
	listener net.Listener
	respond  Responder
	received int64
	queries  int64
	wg       sync.WaitGroup
}

// NewTLSServer starts a mock upstream on a loopback port presenting cert. It is shut down when the
// test completes.
func NewTLSServer(t testing.TB, cert tls.Certificate, respond Responder) *Server {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &Server{
		listener: tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}}),
		respond:  respond,
	}

	s.wg.Add(1)
	go s.serve()

	t.Cleanup(func() {
		s.listener.Close()
		s.wg.Wait()
	})

	return s
}

// Addr is the host:port on which the server listens.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// ReceivedBytes is the total number of application bytes read from all clients.
func (s *Server) ReceivedBytes() int64 {
	return atomic.LoadInt64(&s.received)
}

// Queries is the number of queries answered.
func (s *Server) Queries() int64 {
	return atomic.LoadInt64(&s.queries)
}

func (s *Server) serve() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.wg.Add(1)

		go func() {
			defer s.wg.Done()
			defer conn.Close()

			conn.SetDeadline(time.Now().Add(10 * time.Second))

			buf := make([]byte, 65535+2)

			n, err := conn.Read(buf)
			atomic.AddInt64(&s.received, int64(n))

			if err != nil && n == 0 {
				return
			}

			atomic.AddInt64(&s.queries, 1)
			s.respond(conn, buf[:n])
		}()
	}
}

// NewSilentServer starts a TCP listener that accepts connections but never speaks. It returns the
// listening address.
func NewSilentServer(t testing.TB) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		mutex sync.Mutex
		conns []net.Conn
	)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}

			mutex.Lock()
			conns = append(conns, conn)
			mutex.Unlock()
		}
	}()

	t.Cleanup(func() {
		ln.Close()

		mutex.Lock()
		defer mutex.Unlock()

		for _, conn := range conns {
			conn.Close()
		}
	})

	return ln.Addr().String()
}

// ClosedAddr returns a loopback address on which nothing is listening.
func ClosedAddr(t testing.TB) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	return addr
}

func issue(t testing.TB, parent *x509.Certificate, parentKey *ecdsa.PrivateKey, names []string) tls.Certificate {
	key := newKey(t)

	template := &x509.Certificate{
		SerialNumber: newSerial(),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	if len(names) > 0 {
		template.Subject = pkix.Name{CommonName: names[0]}
	}

	for _, name := range names {
		if ip := net.ParseIP(name); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, name)
		}
	}

	// Self-signed
	if parent == nil {
		parent, parentKey = template, key
	}

	der, err := x509.CreateCertificate(rand.Reader, template, parent, &key.PublicKey, parentKey)
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}
}

func newKey(t testing.TB) *ecdsa.PrivateKey {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	return key
}

func newSerial() *big.Int {
	serial, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	return serial
}
