// Package kms resolves the two keys that protect student identities.
//
// Each key slot is resolved independently, in order:
//
//  1. An environment variable, used verbatim
//  2. A HashiCorp Vault KV path, when a Vault source is configured
//  3. A key file, created with fresh random material if it does not exist
//
// Key file creation is atomic: when several processes cold-start at once,
// exactly one creator wins and all of them observe the same key. Resolved
// keys are cached for the lifetime of the KeyManager.
package kms
