// Package domain contains the core business types shared across the
// analysis pipeline: emails, conversation chains, per-phase results,
// workflow tasks, and bus events.
//
// Types here are plain data. They carry no behavior beyond small pure
// helpers and hold no references to stores, clients, or workers, so any
// package may depend on domain without pulling in infrastructure.
// Relations between aggregates are expressed through IDs, never pointers.
package domain
