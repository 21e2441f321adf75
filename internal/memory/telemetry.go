package memory

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Telemetry reports accelerator memory in MiB.
type Telemetry interface {
	MemoryInfo(ctx context.Context) (total, available int64, err error)
}

// StaticTelemetry reports a fixed budget with nothing used externally.
type StaticTelemetry struct {
	Total int64
}

func (s StaticTelemetry) MemoryInfo(context.Context) (int64, int64, error) {
	return s.Total, s.Total, nil
}

// NvidiaSMI reads device memory through the nvidia-smi CLI.
type NvidiaSMI struct {
	// Binary defaults to "nvidia-smi" on PATH.
	Binary string
	// Device is the GPU index to report.
	Device int

	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func (n NvidiaSMI) MemoryInfo(ctx context.Context) (int64, int64, error) {
	bin := n.Binary
	if bin == "" {
		bin = "nvidia-smi"
	}
	run := n.run
	if run == nil {
		run = runCommand
	}
	out, err := run(ctx, bin, "--query-gpu=memory.total,memory.free", "--format=csv,noheader,nounits")
	if err != nil {
		return 0, 0, fmt.Errorf("nvidia-smi: %w", err)
	}
	return parseSMI(out, n.Device)
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return out, nil
}

// parseSMI parses "total, free" lines, one per device.
func parseSMI(out []byte, device int) (int64, int64, error) {
	var lines []string
	for _, l := range strings.Split(string(out), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if device < 0 || device >= len(lines) {
		return 0, 0, fmt.Errorf("nvidia-smi: device %d not found (%d devices)", device, len(lines))
	}
	parts := strings.Split(lines[device], ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("nvidia-smi: unexpected line %q", lines[device])
	}
	total, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("nvidia-smi: total: %w", err)
	}
	free, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("nvidia-smi: free: %w", err)
	}
	return total, free, nil
}
