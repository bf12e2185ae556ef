// Package webhooks delivers messaging service messages from deployments to
// external services over HTTP webhooks.
//
// # Overview
//
// A Sink posts each message to one configured URL, signed with HMAC-SHA256
// when a secret is set, and retries transient failures with exponential
// backoff. Sinks satisfy ingest.Sink and are handed to the messaging
// service handler keyed by service name.
//
//	teams := webhooks.NewSink(webhooks.Config{
//		Service: "teams",
//		URL:     teamsURL,
//		Format:  webhooks.FormatTeams,
//		Secret:  secret,
//	})
//	handler := ingest.NewMessagingServiceHandler(docs, map[string]ingest.Sink{"teams": teams}, logger)
//
// Verify signature (receiver side):
//
//	sig := r.Header.Get("X-Atlas-Signature")
//	if !webhooks.VerifySignature(body, sig, secret) {
//		return errors.New("invalid signature")
//	}
//
// # Retry Policy
//
// Exponential backoff from 500ms, capped at 5s, 3 attempts by default.
// Network errors, 429 and 5xx responses are retried; other statuses are not.
package webhooks
