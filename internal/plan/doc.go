// Package plan contains the core of the engine: plan state and validation,
// the interval eligibility gate, the registry that couples plan creation with
// ledger escrow, and the execution engine that converts escrowed funds and
// credits or dispatches the output.
package plan
