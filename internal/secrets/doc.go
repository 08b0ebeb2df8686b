// Package secrets encrypts tenant secret globals at rest.
//
// Values are sealed with AES-256-GCM under a single 32-byte master key and
// stored as base64(nonce || ciphertext) with a 12-byte random nonce, so the
// same plaintext never encrypts to the same string twice.
//
// The master key is loaded once at startup, either from configuration or the
// RELAY_MASTER_KEY environment variable, or from AWS Secrets Manager when a
// secret ID is configured. See LoadKey.
package secrets
