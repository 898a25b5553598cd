/*
Package api implements the HTTP and gRPC surfaces of a backplane node.

A central node serves the fleet administration routes below /api/v1. A
managed node mounts the managed routes (pkg/managed) below
/api/v1/managed, which its central calls during synchronization. Both
serve health, readiness, liveness and Prometheus metrics, and both expose
the standard gRPC health service.

# Architecture

	┌──────────────── OPERATOR (backplane CLI) ────────────────┐
	│                   pkg/client (HTTP/JSON)                  │
	└────────────────────────┬─────────────────────────────────┘
	                         │ /api/v1
	┌────────────────────────▼──── CENTRAL NODE ───────────────┐
	│  ┌────────────────────────────────────────────┐          │
	│  │          api.Server (gorilla/mux)          │          │
	│  │  - request metrics by route template       │          │
	│  │  - classified errors (pkg/errdefs)         │          │
	│  └──────────┬─────────────────────┬───────────┘          │
	│             │                     │                      │
	│  ┌──────────▼─────────┐  ┌────────▼──────────┐           │
	│  │  manager.Manager   │  │  bulk.Operations  │           │
	│  └──────────┬─────────┘  └───────────────────┘           │
	└─────────────┼────────────────────────────────────────────┘
	              │ /api/v1/managed (pkg/remote)
	┌─────────────▼──────────────── MANAGED NODE ──────────────┐
	│         api.Server + managed.Handler                      │
	└──────────────────────────────────────────────────────────┘

# Central Routes

Instance groups:
  - GET  /groups                     list groups
  - POST /groups                     create a group
  - PUT  /groups/{group}/attributes  store new group attributes
  - POST /groups/{group}/products    register a product version

Managed servers:
  - GET    /groups/{group}/servers                  list attached servers
  - POST   /groups/{group}/servers                  attach (manual: true skips contact)
  - GET    /groups/{group}/servers/{server}         show one server
  - PATCH  /groups/{group}/servers/{server}         update (?verify=true checks it)
  - DELETE /groups/{group}/servers/{server}         detach
  - POST   /groups/{group}/servers/{server}/sync    synchronize
  - GET    /groups/{group}/servers/{server}/ping    round-trip
  - POST   .../update/transfer, .../update/install  software updates

Instances:
  - GET  /groups/{group}/instances
  - GET  /groups/{group}/instances/{id}/server?tag=
  - POST /groups/{group}/instances/actions/{action}  bulk start, stop, install, activate, delete

Fleet:
  - POST /sync      synchronize every server of every group
  - POST /software  upload an update package

Errors are JSON bodies of the form {"code": "...", "message": "..."} with
the status chosen by errdefs.HTTPStatus.

# Health

	GET /health   overall status, 503 when a component is unhealthy
	GET /ready    critical components (storage, api) ready
	GET /live     process alive
	GET /metrics  Prometheus exposition

The gRPC server registers grpc.health.v1.Health for both the empty service
name and "backplane", refreshed from the storage probe.
*/
package api
