/*
Package remote is how a central node talks to managed servers.

Client abstracts the managed REST surface. HTTPClient speaks it over HTTP
with JSON for calls and CBOR for manifest bundles; LocalClient calls a
managed.Backend in the same process.

Every HTTP failure is classified with errdefs so callers branch with
errors.Is: transport failures and open circuit breakers are
ErrUpstreamUnreachable, 404 is ErrNotFound, and 501 with code
CODE_VERSION_MISMATCH is ErrVersionIncompatible, the signal to fall back
to the legacy instance listing. Each managed server has one circuit
breaker that opens after five consecutive transport failures and probes
again after 30 seconds.
*/
package remote
