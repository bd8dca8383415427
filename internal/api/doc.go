// Package api exposes the external REST interface for managing account
// balances and recurring allocation plans. Handlers translate between human
// readable decimal amounts on the wire and the minimal-unit integers used by
// the core engine.
package api
