// Package audit records security-relevant actions taken through the API:
// access grant changes, credential reads and rotations, and access profile
// token reads.
//
// Events are written to the document store's audit_events collection, owned
// by the admin group, and echoed to the structured log:
//
//	logger := audit.NewMultiLogger(audit.NewDocStoreLogger(docs), audit.NewStructuredLogger(log))
//	ctx = audit.WithLogger(ctx, logger)
//	audit.Record(r, audit.EventGrantPatch, deploymentID, err, nil)
//
// Admins read the trail through GET /api/v1/audit.
package audit
