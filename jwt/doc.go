// Package jwt manages access- and refresh-token issuance and verification with
// separate signing secrets per token kind and strict validation semantics.
//
// # Architecture boundaries
//
// This package owns token encoding and signature verification only. Rotation
// policy, reuse detection, and session bookkeeping live in the refresh and
// session packages.
//
// # What this package must NOT do
//
//   - Access Redis or perform any I/O.
//   - Trust any claim before the signature has been verified.
//   - Import any other veloauth package.
package jwt
