/*
Package security seals managed server auth tokens at rest.

Tokens are encrypted with AES-256-GCM and stored as
"sealed:v1:<base64(nonce|ciphertext)>". The key comes from the
security.token_key setting, hashed with SHA-256. Without a key tokens are
stored in the clear, and previously stored clear tokens remain readable
after a key is configured.

Tokens never leave the central node: records are redacted before they are
returned by any API.
*/
package security
