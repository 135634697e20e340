/*
Package ports manages the pool of TCP ports tenants listen on.

The Allocator owns a fixed range (default 7500-7599) and guarantees
that a port is held by at most one deployment at a time. Allocate
probes each candidate with a real bind before handing it out, so ports
grabbed by other host processes are skipped rather than double-bound.
Release is idempotent; every code path that abandons a port must
release it so a fast redeploy can reuse it.
*/
package ports
