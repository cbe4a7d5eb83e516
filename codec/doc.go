// Package codec translates protocol records into transport envelopes and
// back.
//
// Wire bodies are deterministic CBOR (RFC 8949 Core Deterministic
// Encoding), encrypted per recipient with ECIES. The clear routing
// fields of an envelope (kind, sender, recipient, secret ID, lockbox ID,
// threshold, share index) are authenticated as ECIES shared info, so a
// relay can route and filter envelopes without learning their content
// but cannot rewrite the metadata undetected. Every envelope is signed
// by its sender; receivers drop envelopes with missing or invalid
// signatures.
//
// ECIESCodec is the canonical implementation; MockCodec is the test
// double with identical routing behavior and no cryptography.
package codec
