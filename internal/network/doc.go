// Package network contains abstractions for communicating with other machines over the network. It
// owns the local TCP listener that accepts plaintext DNS clients and the TLS relay that carries each
// query to the upstream DNS-over-TLS resolver, and minimizes the exposed interaction surfaces for
// TLS connections in an effort to simplify client usage.
package network
