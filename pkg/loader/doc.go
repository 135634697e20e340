/*
Package loader runs built artifacts as isolated tenants.

A Loader takes an artifact, an allocated port, and a Resources resolver
(the deployment factory) and returns a Handle representing the running
tenant. The handle is owned exclusively by the deployment record;
stopping it shuts the tenant's listener and frees its port for
reclamation. Done/Err expose unexpected termination so the deployer can
mark a crashed deployment as errored and un-publish its route.

ProcessLoader, the default, execs the artifact as a child process in
its own process group and injects the resolved resources through the
environment. Alternative loaders (dynamic library, wasm, container) can
implement the same interface.
*/
package loader
