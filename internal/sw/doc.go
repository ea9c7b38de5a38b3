// Package sw implements the versioned cache lifecycle that a service worker
// runs through: install populates the bucket named after the compiled-in cache
// version, activate evicts every other bucket, and fetch serves intercepted GET
// requests under the configured strategy.
//
// Manager owns exactly one cache version and exposes named handler methods
// (HandleInstall, HandleActivate, HandleFetch) that take an event value and
// return a result value. Registration plays the host's role for one worker
// scope: it orders install before activate, keeps the previous version serving
// when an install fails, honours skip-waiting and client claiming, and routes
// fetch events to the active version.
package sw
