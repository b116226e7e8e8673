// Package valkey provides a Valkey-backed implementation of the state
// store for multi-instance deployments.
//
// State tokens are short-lived and map naturally onto Valkey's TTL model:
// every state key carries a TTL covering its validity window plus a
// retention tail, so replays of expired states stay distinguishable from
// unknown states until the key finally falls out.
//
// # Key layout
//
// All keys share a configurable prefix (default "unioauth:"):
//
//	<prefix>state:<provider>:<state>  JSON auth state with TTL
//	<prefix>issued:<provider>:<key>   sorted set of issuance times
//
// # Atomicity
//
// ConsumeState runs a Lua script so the lookup and the Valid->Used
// transition are one atomic unit. Of two concurrent callbacks racing on
// the same state exactly one succeeds; the loser observes the terminal
// status. This is the property CSRF replay protection rests on, and it
// holds across every instance sharing the Valkey deployment.
//
// # What lives elsewhere
//
// Bindings and provider configs are durable relational data with
// uniqueness invariants; they belong to the Postgres backend. The Valkey
// store deliberately implements storage.StateStore only.
package valkey
