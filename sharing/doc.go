// Package sharing implements threshold secret splitting and
// reconstruction over GF(256) Shamir secret sharing.
//
// Split produces N shares of which any K reconstruct the secret and any
// K-1 reveal nothing (information-theoretic threshold property).
// Reconstruct is deterministic: every valid K-subset yields byte-identical
// output. Both functions are pure, perform no I/O, and are suitable for
// exhaustive property testing.
//
// A BLAKE3 checksum of the secret travels with each share (inside the
// encrypted envelope payload, never in the clear) so reconstruction can
// detect a corrupted or forged share by verifying its output.
package sharing
