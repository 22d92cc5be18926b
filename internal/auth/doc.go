// Package auth provides bearer-token authorisation for the sirend API.
//
// Tokens are HS256 JWTs carrying a subject and one of two roles:
//
//   - viewer: list scenarios, read runs
//   - operator: everything viewer can do, plus start, cancel and emergency stop
//
// The role-permission mapping is static. Tokens are issued offline with
// `sirend -issue-token` and checked by signature and expiry only.
package auth
