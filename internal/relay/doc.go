// Package relay defines the cross-domain dispatch contract used to deliver
// plan output to external execution domains, plus an in-memory implementation
// for tests and local development. Domain-specific bridges live in
// subpackages.
package relay
