/*
Package factory resolves the resources a tenant requests while it is
being loaded.

A Factory is created per load and thrown away after the tenant reports
ready. It answers two requests: a database connection string of a
declared engine (provisioned through the provisioner client, persisted
in the record store, and reported back onto the deployment record), and
named secrets read from the plain key/value secrets table inside the
tenant's own provisioned database.
*/
package factory
