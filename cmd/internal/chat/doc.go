// Package chat owns conversations, memberships, messages and read receipts.
//
// Service applies the access and role rules; Store implementations perform each mutation as one
// atomic unit (a Postgres transaction serialized per conversation, or a mutex in memory).
package chat
