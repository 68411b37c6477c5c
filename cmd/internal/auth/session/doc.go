// Package session issues and verifies the bearer tokens that authenticate chatrooms users.
//
// Tokens are HS256 JWTs signed with CHAT_JWT_SECRET. They are stateless: there is no server-side
// session row, and a token is valid until it expires.
package session
