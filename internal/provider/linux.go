package provider

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zeromonitor/zeromonitor/internal/models"
)

// linuxScript gathers everything in a single round trip and prints
// KEY=VALUE lines. TEMP is empty on hosts without a thermal zone.
const linuxScript = `HOST=$(hostname)
TEMP=$(cat /sys/class/thermal/thermal_zone0/temp 2>/dev/null || echo "")
LOAD=$(cut -d' ' -f1 /proc/loadavg)
MEM=$(free -m | awk 'NR==2{print $2","$3}')
DISK=$(df / | awk 'NR==2{print $5}')
echo "HOST=$HOST"
echo "TEMP=$TEMP"
echo "LOAD=$LOAD"
echo "MEM=$MEM"
echo "DISK=$DISK"`

// LinuxProvider collects metrics from a Linux host over its connection.
type LinuxProvider struct{}

func (LinuxProvider) OS() models.OSKind {
	return models.OSLinux
}

func (LinuxProvider) Collect(ctx context.Context, runner Runner) (*models.SystemMetrics, error) {
	output, err := runner.Run(ctx, linuxScript)
	if err != nil {
		return nil, err
	}
	return parseLinuxOutput(output, time.Now().UTC())
}

func parseLinuxOutput(output string, now time.Time) (*models.SystemMetrics, error) {
	data := parseKeyValues(output)

	hostname := data["HOST"]
	if hostname == "" {
		return nil, fmt.Errorf("linux metrics output missing HOST: %q", output)
	}

	load, err := strconv.ParseFloat(data["LOAD"], 64)
	if err != nil {
		return nil, fmt.Errorf("linux metrics output has bad LOAD %q: %w", data["LOAD"], err)
	}

	memTotal, memUsed, err := parseLinuxMem(data["MEM"])
	if err != nil {
		return nil, err
	}

	diskStr := strings.TrimSuffix(data["DISK"], "%")
	disk, err := strconv.ParseFloat(diskStr, 64)
	if err != nil {
		return nil, fmt.Errorf("linux metrics output has bad DISK %q: %w", data["DISK"], err)
	}

	m := &models.SystemMetrics{
		Hostname:        hostname,
		Timestamp:       now,
		CPULoad1m:       load,
		MemTotalMB:      memTotal,
		MemUsedMB:       memUsed,
		DiskUsedPercent: models.Float64Ptr(disk),
	}

	// Thermal zone is optional hardware; a missing or non-numeric reading
	// leaves the field nil instead of failing the record.
	if raw := data["TEMP"]; raw != "" {
		if milli, err := strconv.ParseInt(raw, 10, 64); err == nil {
			m.CPUTempC = models.Float64Ptr(float64(milli) / 1000.0)
		}
	}

	return m, nil
}

func parseLinuxMem(raw string) (total, used int64, err error) {
	totalStr, usedStr, found := strings.Cut(raw, ",")
	if !found {
		return 0, 0, fmt.Errorf("linux metrics output has bad MEM %q", raw)
	}
	total, err = strconv.ParseInt(totalStr, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("linux metrics output has bad MEM total %q: %w", totalStr, err)
	}
	used, err = strconv.ParseInt(usedStr, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("linux metrics output has bad MEM used %q: %w", usedStr, err)
	}
	return total, used, nil
}
