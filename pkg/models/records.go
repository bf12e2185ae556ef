package models

import "encoding/json"

// Collection names in the document store
const (
	CollectionUsers                 = "users"
	CollectionDeployments           = "deployments"
	CollectionDeploymentAccess      = "deployment_access"
	CollectionDeploymentCredentials = "deployment_credentials"
	CollectionAccessProfiles        = "bec_access_profiles"
	CollectionSessions              = "sessions"
	CollectionExperiments           = "experiments"
	CollectionScans                 = "scans"
)

// DefaultSessionName names the per-deployment fallback session
const DefaultSessionName = "_default_"

// User is an authenticated principal
type User struct {
	ID           string   `json:"_id,omitempty"`
	OwnerGroups  []string `json:"owner_groups"`
	AccessGroups []string `json:"access_groups"`
	Email        string   `json:"email"`
	Username     string   `json:"username,omitempty"`
	Groups       []string `json:"groups"`
	FirstName    string   `json:"first_name"`
	LastName     string   `json:"last_name"`
}

// Identities returns the user's groups plus username and email
func (u *User) Identities() []string {
	ids := make([]string, 0, len(u.Groups)+2)
	ids = append(ids, u.Groups...)
	if u.Username != "" {
		ids = append(ids, u.Username)
	}
	if u.Email != "" {
		ids = append(ids, u.Email)
	}
	return ids
}

// InGroup reports whether the user belongs to any of the groups
func (u *User) InGroup(groups ...string) bool {
	for _, g := range groups {
		if contains(u.Groups, g) {
			return true
		}
	}
	return false
}

// Deployment is one instrument-control backend
type Deployment struct {
	ID              string   `json:"_id,omitempty"`
	OwnerGroups     []string `json:"owner_groups"`
	AccessGroups    []string `json:"access_groups"`
	RealmID         string   `json:"realm_id"`
	Name            string   `json:"name"`
	ActiveSessionID string   `json:"active_session_id,omitempty"`
}

// KnownDeployment is one roster entry. Fields beyond id and name are kept verbatim.
type KnownDeployment struct {
	ID    string                     `json:"id"`
	Name  string                     `json:"name"`
	Extra map[string]json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps unknown roster fields
func (k *KnownDeployment) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["id"]; ok {
		if err := json.Unmarshal(v, &k.ID); err != nil {
			return err
		}
		delete(raw, "id")
	}
	if v, ok := raw["name"]; ok {
		if err := json.Unmarshal(v, &k.Name); err != nil {
			return err
		}
		delete(raw, "name")
	}
	if len(raw) > 0 {
		k.Extra = raw
	}
	return nil
}

// MarshalJSON writes id, name and any extra fields
func (k KnownDeployment) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(k.Extra)+2)
	for key, v := range k.Extra {
		out[key] = v
	}
	out["id"] = k.ID
	out["name"] = k.Name
	return json.Marshal(out)
}

// MessagingService links a session to an external messaging service
type MessagingService struct {
	ServiceName string   `json:"service_name"`
	Scopes      []string `json:"scopes"`
}

// Session groups scans of one experiment on one deployment
type Session struct {
	ID                string             `json:"_id,omitempty"`
	OwnerGroups       []string           `json:"owner_groups"`
	AccessGroups      []string           `json:"access_groups"`
	DeploymentID      string             `json:"deployment_id"`
	Name              string             `json:"name"`
	ExperimentID      string             `json:"experiment_id,omitempty"`
	MessagingServices []MessagingService `json:"messaging_services,omitempty"`
}

// Experiment is a proposal/account record
type Experiment struct {
	ID           string   `json:"_id,omitempty"`
	OwnerGroups  []string `json:"owner_groups"`
	AccessGroups []string `json:"access_groups"`
	RealmID      string   `json:"realm_id"`
	Proposal     string   `json:"proposal"`
	Title        string   `json:"title,omitempty"`
	Pgroup       string   `json:"pgroup"`
	Account      string   `json:"account,omitempty"`
}

// Scan is the ingested record of one scan, keyed by its scan id
type Scan struct {
	ID            string                 `json:"_id"`
	OwnerGroups   []string               `json:"owner_groups"`
	AccessGroups  []string               `json:"access_groups"`
	ScanID        string                 `json:"scan_id"`
	SessionID     string                 `json:"session_id"`
	Status        string                 `json:"status"`
	ScanNumber    *int                   `json:"scan_number,omitempty"`
	DatasetNumber *int                   `json:"dataset_number,omitempty"`
	ScanName      string                 `json:"scan_name,omitempty"`
	NumPoints     *int                   `json:"num_points,omitempty"`
	FilePath      string                 `json:"file_path,omitempty"`
	ExitStatus    string                 `json:"exit_status,omitempty"`
	StartTime     *float64               `json:"start_time,omitempty"`
	EndTime       *float64               `json:"end_time,omitempty"`
	Timestamp     float64                `json:"timestamp,omitempty"`
	Info          map[string]interface{} `json:"info,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}
