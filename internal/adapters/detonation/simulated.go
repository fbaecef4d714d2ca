// Package detonation provides SandboxExecutor adapters. The concrete
// execution technology is deliberately pluggable; the simulated executor
// ships as the default so the full pipeline runs without detonation
// infrastructure.
package detonation

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/nathan/mailsentry/internal/core"
	"go.uber.org/zap"
)

// SimulatedExecutor produces deterministic detonation reports derived from
// the target itself. Markers in the filename/URL drive the simulated
// behavior, which makes pipeline behavior reproducible in tests and demos.
type SimulatedExecutor struct {
	latency time.Duration
	logger  *zap.Logger
}

// NewSimulatedExecutor creates a simulated executor with a fixed per-run
// latency
func NewSimulatedExecutor(latency time.Duration, logger *zap.Logger) *SimulatedExecutor {
	return &SimulatedExecutor{latency: latency, logger: logger}
}

// Detonate runs the simulated detonation, honoring context cancellation
func (e *SimulatedExecutor) Detonate(ctx context.Context, target core.SandboxTarget) (*core.DetonationReport, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("detonation environment interrupted: %w", ctx.Err())
	case <-time.After(e.latency):
	}

	identity := targetIdentity(target)
	lowered := strings.ToLower(identity)

	report := &core.DetonationReport{
		Runtime:     e.latency,
		ThreatScore: baseScore(identity),
		ConsoleLog:  fmt.Sprintf("detonated %s in %s environment", identity, target.Environment),
	}

	if strings.Contains(lowered, "malware") || strings.Contains(lowered, "payload") {
		report.ThreatScore = 0.92
		report.ProcessEvents = append(report.ProcessEvents,
			core.ProcessEvent{Process: "powershell.exe", APICall: "CreateRemoteThread"},
			core.ProcessEvent{Process: "powershell.exe", APICall: "WriteProcessMemory"},
		)
		report.NetworkEvents = append(report.NetworkEvents,
			core.NetworkEvent{Endpoint: "198.51.100.23", Port: 4444, KnownBad: true},
		)
	}

	if strings.Contains(lowered, "evasive") {
		report.Runtime = e.latency * 5
		report.EnvironmentProbes = append(report.EnvironmentProbes,
			"registry_bios VirtualBox", "cpuid hypervisor bit", "mac_address prefix check",
		)
		report.ProcessEvents = append(report.ProcessEvents,
			core.ProcessEvent{Process: "sample.exe", APICall: "Sleep"},
			core.ProcessEvent{Process: "sample.exe", APICall: "Sleep"},
			core.ProcessEvent{Process: "sample.exe", APICall: "NtDelayExecution"},
		)
		if report.ThreatScore < 0.6 {
			report.ThreatScore = 0.6
		}
	}

	if strings.Contains(lowered, "phish") {
		report.ThreatScore = 0.85
		report.DOMSnapshot = "<html><form action=\"https://" + lowered + "/login\">credential form</form></html>"
		report.NetworkEvents = append(report.NetworkEvents,
			core.NetworkEvent{Endpoint: lowered, Port: 443},
		)
	}

	e.logger.Debug("Simulated detonation finished",
		zap.String("target", identity),
		zap.Float64("threat_score", report.ThreatScore))

	return report, nil
}

// targetIdentity names the target for logging and scoring
func targetIdentity(target core.SandboxTarget) string {
	if target.Type == core.TargetURL {
		return target.URL
	}
	if target.Filename != "" {
		return target.Filename
	}
	return target.FileHash
}

// baseScore derives a stable low score from the target identity so
// unremarkable targets still vary a little
func baseScore(identity string) float64 {
	h := fnv.New32a()
	h.Write([]byte(identity))
	return float64(h.Sum32()%20) / 100.0
}
