package models

// Sub-message kinds carried as field names of an ingest stream entry
const (
	KindScanStatus       = "scan_status"
	KindScanHistory      = "scan_history"
	KindAccount          = "account"
	KindMessagingService = "messaging_service"
)

// IngestPayload is a decoded sub-message of an ingest stream entry
type IngestPayload interface {
	Kind() string
}

// ScanStatus reports the lifecycle state of a scan
type ScanStatus struct {
	ScanID    string                 `json:"scan_id"`
	Status    string                 `json:"status"`
	SessionID string                 `json:"session_id,omitempty"`
	Info      map[string]interface{} `json:"info,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp float64                `json:"timestamp,omitempty"`
}

func (ScanStatus) Kind() string { return KindScanStatus }

// ResolvedSessionID returns the session id from the message or, for older
// producers, from info.session_id
func (s *ScanStatus) ResolvedSessionID() string {
	if s.SessionID != "" {
		return s.SessionID
	}
	if v, ok := s.Info["session_id"].(string); ok {
		return v
	}
	return ""
}

// ScanHistory carries the final bookkeeping of a finished scan
type ScanHistory struct {
	ScanID        string                 `json:"scan_id"`
	ScanNumber    int                    `json:"scan_number"`
	DatasetNumber int                    `json:"dataset_number"`
	FilePath      string                 `json:"file_path"`
	ExitStatus    string                 `json:"exit_status"`
	StartTime     float64                `json:"start_time"`
	EndTime       float64                `json:"end_time"`
	ScanName      string                 `json:"scan_name"`
	NumPoints     int                    `json:"num_points"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

func (ScanHistory) Kind() string { return KindScanHistory }

// AccountUpdate announces the experiment account now active on a deployment.
// Value is an experiment id, or a map whose "account" is empty to fall back
// to the default session.
type AccountUpdate struct {
	Value    interface{}            `json:"value"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

func (AccountUpdate) Kind() string { return KindAccount }

// ExperimentID returns the referenced experiment, or "" for the default session
func (a *AccountUpdate) ExperimentID() string {
	switch v := a.Value.(type) {
	case string:
		return v
	case map[string]interface{}:
		if acc, ok := v["account"].(string); ok {
			return acc
		}
	}
	return ""
}

// MessagingServiceMessage is a message destined for an external messaging service
type MessagingServiceMessage struct {
	ServiceName string                   `json:"service_name"`
	Scope       []string                 `json:"scope,omitempty"`
	Message     []map[string]interface{} `json:"message,omitempty"`
	Metadata    map[string]interface{}   `json:"metadata,omitempty"`
}

func (MessagingServiceMessage) Kind() string { return KindMessagingService }
