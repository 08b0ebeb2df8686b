// Package oauth is the embedded OAuth 2.1 authorization server that gates
// access to tenant endpoints.
//
// # Flow
//
//  1. A client registers dynamically at POST /.oauth/register (or is
//     auto-registered the first time it shows up at the authorize endpoint).
//  2. GET /.oauth/authorize shows a consent page to the signed-in user. The
//     user's identity comes from the login collaborator's session cookie.
//  3. Approving issues a single-use authorization code bound to the client,
//     user, redirect URI, scope and optional PKCE challenge.
//  4. POST /.oauth/token exchanges the code (with the PKCE verifier) for an
//     access token and a refresh token. Refresh tokens rotate on every use.
//
// # Storage
//
// Only SHA-256 hashes of access and refresh tokens are persisted, and client
// secrets only as bcrypt hashes. Plaintext credentials are returned exactly
// once. Codes and refresh tokens are consumed with a conditional update, so
// two concurrent exchanges of the same credential cannot both succeed.
package oauth
