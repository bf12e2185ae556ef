package proxy

import "sync"

// defaultMessageTypes are the message classes a deployment accepts on its
// request channel
var defaultMessageTypes = []string{
	"AlarmMessage",
	"AvailableResourceMessage",
	"BundleMessage",
	"ClientInfoMessage",
	"CredentialsMessage",
	"DAPConfigMessage",
	"DAPRequestMessage",
	"DAPResponseMessage",
	"DeviceConfigMessage",
	"DeviceInfoMessage",
	"DeviceInstructionMessage",
	"DeviceInstructionResponse",
	"DeviceMessage",
	"DeviceMonitor1DMessage",
	"DeviceMonitor2DMessage",
	"DeviceRPCMessage",
	"DeviceReqStatusMessage",
	"DeviceStatusMessage",
	"DeviceUserROIMessage",
	"FileContentMessage",
	"FileMessage",
	"GUIAutoUpdateConfigMessage",
	"GUIConfigMessage",
	"GUIDataMessage",
	"GUIInstructionMessage",
	"GUIRegistryStateMessage",
	"LogMessage",
	"LogbookMessage",
	"MessagingServiceMessage",
	"ObserverMessage",
	"ProcessedDataMessage",
	"ProcedureRequestMessage",
	"ProgressMessage",
	"RawMessage",
	"RequestResponseMessage",
	"ScanBaselineMessage",
	"ScanHistoryMessage",
	"ScanMessage",
	"ScanQueueHistoryMessage",
	"ScanQueueMessage",
	"ScanQueueModificationMessage",
	"ScanQueueOrderMessage",
	"ScanQueueStatusMessage",
	"ScanStatusMessage",
	"ServiceMetricMessage",
	"ServiceResponseMessage",
	"StatusMessage",
	"VariableMessage",
}

// Registry is the set of message types a write may carry
type Registry struct {
	mu    sync.RWMutex
	types map[string]struct{}
}

// NewRegistry returns a registry holding the default message types plus extra
func NewRegistry(extra ...string) *Registry {
	r := &Registry{types: make(map[string]struct{}, len(defaultMessageTypes)+len(extra))}
	for _, t := range defaultMessageTypes {
		r.types[t] = struct{}{}
	}
	for _, t := range extra {
		r.Register(t)
	}
	return r
}

// Register adds a message type
func (r *Registry) Register(name string) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.types[name] = struct{}{}
	r.mu.Unlock()
}

// Known reports whether name is a registered message type
func (r *Registry) Known(name string) bool {
	if name == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[name]
	return ok
}
