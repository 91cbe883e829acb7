package provider

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zeromonitor/zeromonitor/internal/models"
)

// windowsScript is executed through powershell.exe so it works over both
// SSH (OpenSSH for Windows defaults to cmd.exe) and WinRM. CPU is reported
// as percent busy and normalized to a load-style fraction when parsed.
const windowsScript = `powershell.exe -NoProfile -NonInteractive -Command "` +
	`$hostn = hostname; ` +
	`$cpu = (Get-Counter '\Processor(_Total)\% Processor Time').CounterSamples[0].CookedValue; ` +
	`$memTotal = (Get-CimInstance Win32_ComputerSystem).TotalPhysicalMemory / 1MB; ` +
	`$memFree = (Get-Counter '\Memory\Available MBytes').CounterSamples[0].CookedValue; ` +
	`$disk = (Get-PSDrive C).Used / ((Get-PSDrive C).Used + (Get-PSDrive C).Free) * 100; ` +
	`Write-Output \"HOST=$hostn\"; ` +
	`Write-Output \"CPU=$cpu\"; ` +
	`Write-Output \"MEM=$memTotal,$memFree\"; ` +
	`Write-Output \"DISK=$disk\""`

// WindowsProvider collects metrics from a Windows host over its connection.
// Windows exposes no CPU temperature through these counters, so CPUTempC is
// always nil.
type WindowsProvider struct{}

func (WindowsProvider) OS() models.OSKind {
	return models.OSWindows
}

func (WindowsProvider) Collect(ctx context.Context, runner Runner) (*models.SystemMetrics, error) {
	output, err := runner.Run(ctx, windowsScript)
	if err != nil {
		return nil, err
	}
	return parseWindowsOutput(output, time.Now().UTC())
}

func parseWindowsOutput(output string, now time.Time) (*models.SystemMetrics, error) {
	data := parseKeyValues(output)

	hostname := data["HOST"]
	if hostname == "" {
		return nil, fmt.Errorf("windows metrics output missing HOST: %q", output)
	}

	cpuPercent, err := strconv.ParseFloat(data["CPU"], 64)
	if err != nil {
		return nil, fmt.Errorf("windows metrics output has bad CPU %q: %w", data["CPU"], err)
	}

	totalStr, freeStr, found := strings.Cut(data["MEM"], ",")
	if !found {
		return nil, fmt.Errorf("windows metrics output has bad MEM %q", data["MEM"])
	}
	memTotal, err := strconv.ParseFloat(strings.TrimSpace(totalStr), 64)
	if err != nil {
		return nil, fmt.Errorf("windows metrics output has bad MEM total %q: %w", totalStr, err)
	}
	memFree, err := strconv.ParseFloat(strings.TrimSpace(freeStr), 64)
	if err != nil {
		return nil, fmt.Errorf("windows metrics output has bad MEM free %q: %w", freeStr, err)
	}

	disk, err := strconv.ParseFloat(data["DISK"], 64)
	if err != nil {
		return nil, fmt.Errorf("windows metrics output has bad DISK %q: %w", data["DISK"], err)
	}

	return &models.SystemMetrics{
		Hostname:        hostname,
		Timestamp:       now,
		CPULoad1m:       cpuPercent / 100.0,
		MemTotalMB:      int64(memTotal),
		MemUsedMB:       int64(memTotal - memFree),
		DiskUsedPercent: models.Float64Ptr(disk),
	}, nil
}
