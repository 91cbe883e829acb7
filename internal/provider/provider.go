// Package provider translates a generic "collect metrics" request into the
// OS-specific remote command sequence for a node and parses the output into
// a SystemMetrics record. Adding OS support means adding one Provider
// implementation and wiring it into ForOS.
package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/zeromonitor/zeromonitor/internal/models"
)

// Runner executes a command on the node and returns its stdout. It is
// satisfied by *transport.Conn.
type Runner interface {
	Run(ctx context.Context, command string) (string, error)
}

// Provider collects one SystemMetrics record per call. Individually absent
// optional fields (e.g. no thermal sensor) are nil, not a parse failure;
// only a malformed or missing mandatory field fails the whole collection.
type Provider interface {
	OS() models.OSKind
	Collect(ctx context.Context, runner Runner) (*models.SystemMetrics, error)
}

// ForOS returns the provider for the given OS kind, selected once at node
// construction time.
func ForOS(kind models.OSKind) (Provider, error) {
	switch kind {
	case models.OSLinux:
		return LinuxProvider{}, nil
	case models.OSWindows:
		return WindowsProvider{}, nil
	default:
		return nil, fmt.Errorf("no metrics provider for OS kind %q", kind)
	}
}

// parseKeyValues splits KEY=VALUE lines of remote script output into a map.
// Lines without '=' are ignored.
func parseKeyValues(output string) map[string]string {
	data := make(map[string]string)
	for _, line := range strings.Split(output, "\n") {
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		data[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return data
}
