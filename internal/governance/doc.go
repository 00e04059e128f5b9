// Package governance holds the relay's resilience controls: retry with
// exponential backoff for the download token flow, circuit breakers that let
// fail-open collaborators answer without waiting on a dead dependency, and
// keyed token-bucket rate limiting for the admin surface.
package governance
