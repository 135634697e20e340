/*
Package storage persists provisioned-database records in BoltDB.

Deployment records deliberately live in memory (they are rebuilt by
redeploying), but database credentials returned by the provisioner must
survive a control-plane restart: losing them between provisioning and
recording would orphan the database or trigger a needless re-provision.
The store is a single BoltDB bucket mapping project name to JSON-encoded
DatabaseInfo under path/berth.db.
*/
package storage
