// Package cryptoutils provides the cryptographic operations used to protect
// student identities at rest and to verify user credentials.
//
// The central type is FieldCodec, which protects the one sensitive field of a
// performance record (the student name) with two independent primitives:
//
//   - AES-256-GCM for reversible, non-deterministic encryption
//   - HMAC-SHA256 for a deterministic lookup digest
//
// The digest allows equality search over encrypted data without decrypting
// every row. The two keys are resolved through an interfaces.KeyProvider and
// must differ; NewFieldCodec refuses to build a codec otherwise.
//
// # Token Format
//
// Sealed values are base64url encoded without padding:
//
//	[version (1 byte)][nonce (12 bytes)][ciphertext][tag (16 bytes)]
//
// The version byte is authenticated as additional data, so a token cannot be
// re-labelled to a different format version.
//
// # Decryption Failures
//
// Open never returns an error. Malformed, truncated, forged or foreign-key
// tokens yield ("", false) and a warning is logged without the token content.
// Callers treat such a record as having an unknown subject.
//
// # Credentials
//
// HashPassword produces argon2id hashes in the PHC string format.
// VerifyPassword additionally accepts bcrypt and werkzeug-style pbkdf2 hashes
// so that accounts imported from older deployments keep working.
//
// # Usage Example
//
//	keys := kms.NewKeyManager(cfg, log)
//	codec, err := cryptoutils.NewFieldCodec(keys, log)
//	if err != nil {
//	    return err
//	}
//	token, err := codec.Seal("s1")
//	digest, err := codec.Digest("s1")
//	name, ok := codec.Open(token)
package cryptoutils
