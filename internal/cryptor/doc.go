// Package cryptor implements the streaming AEAD encryption that preserves
// random-access reads on remote objects: a fixed-size KDF header, Argon2id
// master-key derivation, BLAKE2b per-chunk subkeys and XChaCha20-Poly1305
// sealing, plus deterministic path-segment encryption for directory and
// file names.
package cryptor
