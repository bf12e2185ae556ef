// Package api provides the HTTP surface of the Atlas data plane.
//
// Every route under /api/v1 requires a bearer token, given in the
// Authorization header or the access_token cookie.
//
// # Store Proxy
//
//	GET    /api/v1/redis?deployment=&key=
//	POST   /api/v1/redis?deployment=&key=&redis_op=&msg_type=   body: message content
//	DELETE /api/v1/redis?deployment=&key=
//
// # Access Administration
//
//	GET   /api/v1/deployment_access?deployment_id=
//	PATCH /api/v1/deployment_access?deployment_id=    body: fields to change
//	GET   /api/v1/bec_access?deployment_id=&user=
//	GET   /api/v1/deploymentCredentials?deployment_id=
//	POST  /api/v1/deploymentCredentials/refresh?deployment_id=
//
// # Live Data
//
//	GET /api/v1/ws?deployment=
//
// Upgrades to a websocket. Clients send
//
//	{"type": "register", "data": "{\"endpoint\": \"device_readback\", \"args\": [\"samx\"]}"}
//	{"type": "unregister", "endpoint": "internal/devices/readback/samx"}
//
// and receive {"type": "message", "data": {...}} and
// {"type": "error", "data": {"error": "..."}} events.
//
// # Related Packages
//
//   - pkg/proxy: Request/response forwarding
//   - pkg/relay: Websocket fan-out
//   - pkg/profiles: Grants and access profiles
//   - pkg/credentials: Deployment secrets
package api
