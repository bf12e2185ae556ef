package store

import "strings"

// DeploymentsKey holds the known-deployments roster and is also the channel
// its updates are published on
const DeploymentsKey = "deployments"

const deploymentPrefix = "internal/deployment/"

// RequestChannel carries proxied requests to a deployment
func RequestChannel(deploymentID string) string {
	return deploymentPrefix + deploymentID + "/request"
}

// ResponseChannel is the reply channel for one proxied request
func ResponseChannel(deploymentID, correlationID string) string {
	return deploymentPrefix + deploymentID + "/request_response/" + correlationID
}

// IngestStream is the data ingestion stream of a deployment
func IngestStream(deploymentID string) string {
	return deploymentPrefix + deploymentID + "/ingest"
}

// MessageServiceStream is the messaging-service ingestion stream of a deployment
func MessageServiceStream(deploymentID string) string {
	return deploymentPrefix + deploymentID + "/message_service_ingest"
}

// PresenceKey is where a replica records the subscriptions it serves for a deployment
func PresenceKey(deploymentID, replicaID string) string {
	return deploymentPrefix + deploymentID + "/" + replicaID + "/state"
}

// PresencePattern matches the presence keys of every replica for a deployment
func PresencePattern(deploymentID string) string {
	return PresenceKey(deploymentID, "*")
}

// DataChannel carries live data for one endpoint of a deployment
func DataChannel(deploymentID, endpoint string) string {
	return deploymentPrefix + deploymentID + "/data/" + endpoint
}

// AccessKey holds the published access profiles of a deployment
func AccessKey(deploymentID string) string {
	return deploymentPrefix + deploymentID + "/bec_access"
}

// LogbooksKey holds the SciLog logbooks of a realm
func LogbooksKey(realmID string) string {
	return "internal/" + realmID + "/info/logbooks"
}

// DeploymentFromStream extracts the deployment id of a per-deployment
// stream: the second-to-last path segment.
func DeploymentFromStream(stream string) string {
	parts := strings.Split(stream, "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-2]
}
