// Package registry provides the central "glue" for the module system.
//
// The Registry stores everything modules contribute at runtime: named
// services, chat commands, update handlers and the record of each loaded
// module. Every entry remembers the module that owns it, so the kernel can
// drop a module's whole footprint in one call when it is unloaded or
// reloaded.
//
// Registration is first-wins and concurrency-safe. Mutations of a single key
// are serialized through a fixed set of striped locks, so unrelated keys
// rarely contend and the lock table never grows.
package registry
