/*
Package events provides a publish/subscribe broker for deployment
lifecycle events.

The deployer publishes an event on every state transition (queued,
building, deployed, errored, deleted, database provisioned, tenant
crashed). Subscribers receive events on buffered channels; a slow
subscriber drops events rather than blocking the broker. The server
process subscribes at startup to mirror transitions into the log, and
the metrics collector counts them.
*/
package events
