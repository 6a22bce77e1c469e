// Package kernel owns the module lifecycle. It resolves modules from the
// static catalog, runs their Setup and Cleanup, keeps the loaded set in load
// order, and routes platform updates to the commands and handlers modules
// register.
//
// Load, unload, reload, start and stop are serialized. Event handlers for the
// lifecycle events run while such an operation is in progress and must not
// call back into LoadModule, UnloadModule or ReloadModule synchronously.
package kernel
