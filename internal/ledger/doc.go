// Package ledger implements the per-account, per-asset balance book. All
// amounts are minimal-unit big integers and every implementation guarantees
// that balances never go negative under concurrent access.
package ledger
