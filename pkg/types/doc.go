/*
Package types defines the core data structures used throughout Berth.

This package contains the fundamental types of Berth's domain model:
project names, deployment identity and state, database connection info,
and the DeploymentMeta snapshot exposed by the API. All other packages
build on these types for state management and API responses.

# Core Types

  - ProjectName: validated lowercase identifier, unique per system,
    also the subdomain a project is served on
  - DeploymentID: opaque 128-bit identifier for one deployment attempt
  - DeploymentState: position in the deployment state machine
  - DatabaseInfo: provisioned database connection details
  - DeploymentMeta: the JSON snapshot API callers receive

# State Machine

Deployments follow a one-way state machine:

	QUEUED → BUILDING → BUILT → LOADING → DEPLOYED
	           ↓          ↓        ↓          ↓
	         ERROR      ERROR    ERROR     DELETED

ERROR and DELETED are terminal. Any state can reach DELETED via kill.
A replaced deployment transitions its old record to DELETED only after
the replacement reaches DEPLOYED.

# Validation

Project names are 3-63 characters of [a-z0-9-], never start or end with
'-', and cannot collide with the reserved set (api, admin, console,
proxy, status, www).
*/
package types
