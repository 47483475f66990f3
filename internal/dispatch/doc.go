// Package dispatch owns task lifecycle and rotation: CRUD with validation,
// the start-time precheck over the account×target cross-product, per-task
// scheduling loops for group posting, change-feed driven commenting for
// channel monitoring, and the persisted round-robin cursors that survive
// restarts.
package dispatch
