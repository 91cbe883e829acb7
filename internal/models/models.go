// Package models defines the shared data types of the ZeroMonitor agent:
// node configuration, collected system metrics, and the metric events that
// flow from the pollers to the configured sinks.
package models

import (
	"fmt"
	"strings"
	"time"
)

// OSKind identifies the operating system of a monitored node. It selects
// which metrics provider a worker uses to collect from the node.
type OSKind string

const (
	OSLinux       OSKind = "linux"
	OSWindows     OSKind = "windows"
	OSUnsupported OSKind = "unsupported"
)

// ParseOSKind normalizes a raw operating-system string from the inventory
// document. Unknown values map to OSUnsupported rather than failing, so a
// single bad entry never aborts an inventory load.
func ParseOSKind(s string) OSKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "linux":
		return OSLinux
	case "windows":
		return OSWindows
	default:
		return OSUnsupported
	}
}

// TransportKind selects the remote command-execution channel for a node.
type TransportKind string

const (
	TransportSSH   TransportKind = "ssh"
	TransportWinRM TransportKind = "winrm"
)

// Credentials holds the secrets needed to open a session on a node.
// Password or PrivateKey is required for SSH; Domain switches WinRM from
// Basic to NTLM authentication.
type Credentials struct {
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
	Domain     string `json:"domain,omitempty"`
}

// Node is the desired configuration for one monitored target. Name is the
// sole identity used for reconciliation; changing any other field of a
// running node is expressed as stop-old/start-new, never in-place mutation.
type Node struct {
	Name        string
	Host        string
	User        string
	Port        int
	OS          OSKind
	Transport   TransportKind
	Interval    time.Duration
	Credentials Credentials
}

// Target returns the host:port endpoint the node's connection dials.
func (n Node) Target() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// SystemMetrics is one collection result from a node. Optional fields are
// nil, not zero, when the OS cannot supply them (e.g. no thermal sensor).
type SystemMetrics struct {
	Hostname        string    `json:"hostname"`
	Timestamp       time.Time `json:"timestamp"`
	CPUTempC        *float64  `json:"cpu_temp_c,omitempty"`
	CPULoad1m       float64   `json:"cpu_load_1m"`
	MemTotalMB      int64     `json:"mem_total_mb"`
	MemUsedMB       int64     `json:"mem_used_mb"`
	DiskUsedPercent *float64  `json:"disk_used_percent,omitempty"`
}

// MetricEvent is the unit placed on the outbound channel: exactly one per
// poll cycle per node, success or failure, never both and never zero.
type MetricEvent struct {
	Node      string         `json:"node"`
	Success   bool           `json:"success"`
	Metrics   *SystemMetrics `json:"metrics,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Float64Ptr returns a pointer to v, for populating optional metric fields.
func Float64Ptr(v float64) *float64 {
	return &v
}
