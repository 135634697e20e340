/*
Package provisioner is the gRPC client for the external database
provisioner.

The provisioner is an out-of-process collaborator: Berth asks it for a
database of a given engine and gets back connection details
(DatabaseInfo). Calls are bounded by a per-RPC timeout (default 60s)
and wrapped in a circuit breaker so a dead provisioner fails deploys
fast instead of stalling every worker for the full timeout.

Payloads are structpb structs on well-known method names rather than
generated stubs; the provisioner owns its schema and Berth only reads a
flat field set from the response.
*/
package provisioner
