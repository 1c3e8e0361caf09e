/*
Package types defines the declarative data structures shared across the
platform: agent configuration, capability/resource envelopes, and runtime
lifecycle state.

Event, WAL, and ledger records live in pkg/event, pkg/wal, and pkg/ledger
respectively, next to the code that owns them, rather than here.
*/
package types
