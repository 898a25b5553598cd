// Package codec holds the backplane's CBOR encoding configuration.
//
// Manifests, repository metadata and transfer bundles are stored and sent
// as CBOR using Core Deterministic Encoding (RFC 8949 §4.2), so the same
// logical value always yields the same bytes and therefore the same
// content-addressed object id. Struct fields reuse their json tags.
package codec
