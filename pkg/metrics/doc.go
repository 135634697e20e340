/*
Package metrics exposes Prometheus instrumentation for the control
plane: deployment outcomes, build durations, port pool usage,
provisioner call results, and proxy traffic. The collectors register
on the default registry and are served at /metrics on the API port.
*/
package metrics
