/*
Package deployer drives deployments through their lifecycle:

	QUEUED -> BUILDING -> BUILT -> LOADING -> DEPLOYED

with ERROR and DELETED as terminal states. The System owns the
authoritative project-to-deployment map; each Deploy call returns a
QUEUED record immediately and hands the rest of the pipeline to a
worker goroutine. Pipeline failures are recorded on the deployment,
never returned to the uploader.

Deploying onto a project that already has an active deployment replaces
it: the predecessor keeps serving until the replacement is ready, then
the hostname route flips to the new tenant and the old one is retired.
Concurrent builds are capped by a weighted semaphore; a deployment that
cannot get a slot within the wait budget errors out instead of queueing
forever.
*/
package deployer
