/*
Package api exposes the control-plane REST surface: project deploys,
deployment inspection and deletion, secret uploads, user creation, and
the status, version, and metrics endpoints. Authentication is HTTP
Basic with the API key carried as the username. Deployment pipeline
failures never surface here as errors; the uploader polls the meta.
*/
package api
