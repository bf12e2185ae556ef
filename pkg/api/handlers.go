package api

import (
	"net/http"

	"github.com/bec-project/bec-atlas/pkg/audit"
	"github.com/bec-project/bec-atlas/pkg/contextkeys"
	"github.com/bec-project/bec-atlas/pkg/errdefs"
	"github.com/bec-project/bec-atlas/pkg/httputil"
	"github.com/bec-project/bec-atlas/pkg/observability"
	"github.com/bec-project/bec-atlas/pkg/profiles"
	"github.com/bec-project/bec-atlas/pkg/proxy"
)

// getRedis handles GET /api/v1/redis
func (s *Server) getRedis(w http.ResponseWriter, r *http.Request) {
	deploymentID, ok := httputil.RequireQuery(w, r, "deployment")
	if !ok {
		return
	}
	key, ok := httputil.RequireQuery(w, r, "key")
	if !ok {
		return
	}

	out, err := s.deps.Proxy.Get(r.Context(), contextkeys.User(r.Context()), deploymentID, key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteRawJSON(w, out)
}

// postRedis handles POST /api/v1/redis
func (s *Server) postRedis(w http.ResponseWriter, r *http.Request) {
	deploymentID, ok := httputil.RequireQuery(w, r, "deployment")
	if !ok {
		return
	}
	key, ok := httputil.RequireQuery(w, r, "key")
	if !ok {
		return
	}
	op, ok := httputil.RequireQuery(w, r, "redis_op")
	if !ok {
		return
	}
	msgType, ok := httputil.RequireQuery(w, r, "msg_type")
	if !ok {
		return
	}
	var value map[string]interface{}
	if !httputil.ParseJSONOrError(w, r, &value) {
		return
	}

	res, err := s.deps.Proxy.Post(r.Context(), contextkeys.User(r.Context()), deploymentID, key, proxy.Operation(op), msgType, value)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, res)
}

// deleteRedis handles DELETE /api/v1/redis
func (s *Server) deleteRedis(w http.ResponseWriter, r *http.Request) {
	deploymentID, ok := httputil.RequireQuery(w, r, "deployment")
	if !ok {
		return
	}
	key, ok := httputil.RequireQuery(w, r, "key")
	if !ok {
		return
	}

	res, err := s.deps.Proxy.Delete(r.Context(), contextkeys.User(r.Context()), deploymentID, key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, res)
}

// getDeploymentAccess handles GET /api/v1/deployment_access
func (s *Server) getDeploymentAccess(w http.ResponseWriter, r *http.Request) {
	deploymentID, ok := httputil.RequireQuery(w, r, "deployment_id")
	if !ok {
		return
	}
	grant, err := s.deps.Profiles.GetGrant(r.Context(), contextkeys.User(r.Context()), deploymentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, grant)
}

// patchDeploymentAccess handles PATCH /api/v1/deployment_access
func (s *Server) patchDeploymentAccess(w http.ResponseWriter, r *http.Request) {
	deploymentID, ok := httputil.RequireQuery(w, r, "deployment_id")
	if !ok {
		return
	}
	patch, err := profiles.DecodeGrantPatch(r.Body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	grant, err := s.deps.Profiles.PatchGrant(r.Context(), contextkeys.User(r.Context()), deploymentID, patch)
	audit.Record(r, audit.EventGrantPatch, deploymentID, err, map[string]interface{}{"fields": patch.Names()})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, grant)
}

// getBECAccess handles GET /api/v1/bec_access
func (s *Server) getBECAccess(w http.ResponseWriter, r *http.Request) {
	deploymentID, ok := httputil.RequireQuery(w, r, "deployment_id")
	if !ok {
		return
	}
	user := httputil.ParseQueryString(r, "user", "")
	token, err := s.deps.Profiles.Credential(r.Context(), contextkeys.User(r.Context()), deploymentID, user)
	audit.Record(r, audit.EventProfileTokenRead, deploymentID, err, map[string]interface{}{"user": user})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]string{"token": token})
}

// getDeploymentCredential handles GET /api/v1/deploymentCredentials
func (s *Server) getDeploymentCredential(w http.ResponseWriter, r *http.Request) {
	deploymentID, ok := httputil.RequireQuery(w, r, "deployment_id")
	if !ok {
		return
	}
	cred, err := s.deps.Credentials.Get(r.Context(), contextkeys.User(r.Context()), deploymentID)
	audit.Record(r, audit.EventCredentialRead, deploymentID, err, nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, cred)
}

// refreshDeploymentCredential handles POST /api/v1/deploymentCredentials/refresh
func (s *Server) refreshDeploymentCredential(w http.ResponseWriter, r *http.Request) {
	deploymentID, ok := httputil.RequireQuery(w, r, "deployment_id")
	if !ok {
		return
	}
	cred, err := s.deps.Credentials.Refresh(r.Context(), contextkeys.User(r.Context()), deploymentID)
	audit.Record(r, audit.EventCredentialRefresh, deploymentID, err, nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, cred)
}

// writeError logs unclassified failures and writes the mapped response
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errdefs.HTTPStatus(err) >= http.StatusInternalServerError {
		observability.FromContext(r.Context()).WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	httputil.WriteErrorFrom(w, err)
}
