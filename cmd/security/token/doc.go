// Package token loads and checks the symmetric secret used to sign bearer tokens.
//
// The secret comes from CHAT_JWT_SECRET. Production requires at least MinSecretBytes bytes;
// development may opt into a generated throwaway secret with CHAT_DEV_INSECURE_JWT=true.
package token
