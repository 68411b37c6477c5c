// Package identity owns chatrooms user accounts: registration, credential lookup, the public
// profile fields shown next to messages, and the last-seen heartbeat.
//
// Two Store implementations exist. PostgresStore is used in deployments; MemoryStore backs
// development runs without a database and package tests elsewhere in the module.
package identity
