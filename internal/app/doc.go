// Package app contains the core application logic. It loads and validates a
// pipeline, wires the scheduler to the sandbox and the run ledger, and drives
// one run end to end, decoupled from any specific entrypoint like a CLI.
package app
