/*
Package router maintains the hostname to tenant-port table consulted by
the reverse proxy.

Hostnames are derived as "{project}.{proxy_fqdn}" and normalized to
lowercase with any port component stripped, so "Hello.proxy.local:8000"
and "hello.proxy.local" hit the same entry. Writes (Set, Remove) hold a
write lock only for the map mutation; readers are never blocked longer
than a map insert.
*/
package router
