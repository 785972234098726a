// Package httputil carries the JSON response helpers for the read-only
// HTTP surface (health, tasks, events). Handlers go through these rather
// than raw ResponseWriter calls so every endpoint shares one envelope
// shape and internal errors are logged without leaking to clients.
package httputil
