/*
Package proxy serves tenant traffic. Each inbound connection is read
only far enough to find the Host header; the hostname resolves through
the route table to a local tenant port, the buffered bytes replay to
the upstream verbatim, and the connection becomes a transparent
bidirectional pipe. Unknown hostnames answer 404, unreachable tenants
502.
*/
package proxy
