package relay

import (
	"fmt"
	"strings"
	"sync"
)

// EndpointRegistry resolves endpoint names clients register for into the
// data endpoints a deployment publishes on. Templates use %s for each
// argument.
type EndpointRegistry struct {
	mu        sync.RWMutex
	templates map[string]string
}

var defaultEndpoints = map[string]string{
	"scan_status":        "scans/scan_status",
	"scan_number":        "scans/scan_number",
	"scan_progress":      "scans/scan_progress",
	"scan_segment":       "scans/scan_segment",
	"scan_queue_status":  "queue/queue_status",
	"scan_queue_history": "queue/queue_history",
	"dataset_number":     "scans/dataset_number",
	"alarm":              "info/alarms",
	"log":                "info/log",
	"client_info":        "info/client_info",
	"available_scans":    "info/available_scans",
	"device_readback":    "internal/devices/readback/%s",
	"device_read":        "internal/devices/read/%s",
	"device_status":      "internal/devices/status/%s",
	"device_monitor_1d":  "internal/devices/monitor1d/%s",
	"device_monitor_2d":  "internal/devices/monitor2d/%s",
	"device_progress":    "internal/devices/progress/%s",

	"device_async_readback": "internal/devices/async_readback/%s/%s",
}

// NewEndpointRegistry returns a registry seeded with the standard endpoints
func NewEndpointRegistry() *EndpointRegistry {
	r := &EndpointRegistry{templates: make(map[string]string, len(defaultEndpoints))}
	for name, tmpl := range defaultEndpoints {
		r.templates[name] = tmpl
	}
	return r
}

// Register adds or replaces an endpoint template
func (r *EndpointRegistry) Register(name, template string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[name] = template
}

// Resolve returns the endpoint for name applied to args. A single non-list
// argument counts as one argument.
func (r *EndpointRegistry) Resolve(name string, args interface{}) (string, error) {
	r.mu.RLock()
	tmpl, ok := r.templates[name]
	r.mu.RUnlock()
	if !ok || name == "" {
		return "", fmt.Errorf("endpoint %s not found", name)
	}

	var list []interface{}
	switch v := args.(type) {
	case nil:
	case []interface{}:
		list = v
	case []string:
		for _, s := range v {
			list = append(list, s)
		}
	default:
		list = []interface{}{v}
	}

	want := strings.Count(tmpl, "%s")
	if len(list) != want {
		return "", fmt.Errorf("endpoint %s takes %d arguments, got %d", name, want, len(list))
	}
	if want == 0 {
		return tmpl, nil
	}
	strs := make([]interface{}, len(list))
	for i, a := range list {
		s := fmt.Sprint(a)
		if s == "" || strings.ContainsAny(s, "*?[") {
			return "", fmt.Errorf("invalid argument %q for endpoint %s", s, name)
		}
		strs[i] = s
	}
	return fmt.Sprintf(tmpl, strs...), nil
}
