// Package protocol mediates requests and responses between plaintext DNS clients and the upstream
// DNS-over-TLS resolver. Payloads are relayed as opaque bytes; the DNS message format is only
// consulted to synthesize a SERVFAIL reply when that behavior is enabled.
package protocol
