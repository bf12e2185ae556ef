package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/bec-project/bec-atlas/pkg/contextkeys"
	"github.com/bec-project/bec-atlas/pkg/docstore"
	"github.com/bec-project/bec-atlas/pkg/httputil"
)

// Middleware attaches logger to every request context
func Middleware(logger Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(WithLogger(r.Context(), logger)))
		})
	}
}

// SearchHandler serves GET /api/v1/audit. Query parameters deployment_id,
// event_type, actor, since (RFC 3339) and limit narrow the result.
func SearchHandler(store *DocStoreLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params := r.URL.Query()
		q := Query{
			DeploymentID: params.Get("deployment_id"),
			EventType:    EventType(params.Get("event_type")),
			Actor:        params.Get("actor"),
		}
		if v := params.Get("since"); v != "" {
			since, err := time.Parse(time.RFC3339, v)
			if err != nil {
				httputil.WriteBadRequest(w, "invalid since: must be RFC 3339")
				return
			}
			q.Since = since
		}
		if v := params.Get("limit"); v != "" {
			limit, err := strconv.Atoi(v)
			if err != nil || limit < 0 {
				httputil.WriteBadRequest(w, "invalid limit")
				return
			}
			q.Limit = limit
		}

		events, err := store.Search(r.Context(), q, docstore.WithUser(contextkeys.User(r.Context())))
		if err != nil {
			httputil.WriteErrorFrom(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, events)
	}
}
