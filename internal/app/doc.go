// Package app wires the kernel to its platform connection, tracing, manifest
// watcher and health endpoint, and runs it until the context is cancelled.
// It is decoupled from any specific entrypoint like a CLI.
package app
