package sandbox

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/nathan/mailsentry/internal/core"
	"github.com/nathan/mailsentry/internal/metrics"
)

// API calls used to stall or detect analysis
var stallAPICalls = []string{
	"sleep", "ntdelayexecution", "waitforsingleobject", "settimer",
}

// Shells and script hosts a document has no business spawning
var livingOffTheLandProcesses = []string{
	"cmd.exe", "powershell.exe", "wscript.exe", "cscript.exe",
	"mshta.exe", "rundll32.exe", "regsvr32.exe", "certutil.exe",
}

var injectionAPICalls = []string{
	"createremotethread", "writeprocessmemory", "virtualallocex",
	"setwindowshookex", "queueuserapc",
}

var environmentProbeMarkers = []string{
	"vmware", "virtualbox", "vbox", "qemu", "xen", "hyper-v",
	"sandbox", "cuckoo", "wine", "cpuid", "mac_address",
	"registry_bios", "disk_size", "process_count", "uptime",
}

// EvasionAnalyzer runs the four evasion detector categories over a
// detonation report. Each category contributes indicators independently;
// any indicator at all sets evasion_detected.
type EvasionAnalyzer struct {
	expectedRuntime time.Duration
}

// NewEvasionAnalyzer creates an evasion analyzer. expectedRuntime is the
// operator-tuned bound beyond which execution counts as stalled.
func NewEvasionAnalyzer(expectedRuntime time.Duration) *EvasionAnalyzer {
	return &EvasionAnalyzer{expectedRuntime: expectedRuntime}
}

// Analyze returns every evasion indicator found in the report
func (a *EvasionAnalyzer) Analyze(report *core.DetonationReport, target core.SandboxTarget) []core.EvasionIndicator {
	var indicators []core.EvasionIndicator
	indicators = append(indicators, a.analyzeTiming(report)...)
	indicators = append(indicators, a.analyzeBehavior(report, target)...)
	indicators = append(indicators, a.analyzeEnvironment(report)...)
	indicators = append(indicators, a.analyzeNetwork(report)...)

	for _, ind := range indicators {
		metrics.EvasionDetectionsTotal.WithLabelValues(string(ind.Category)).Inc()
	}
	return indicators
}

// analyzeTiming flags execution that stalls beyond the expected bound and
// explicit delay API usage
func (a *EvasionAnalyzer) analyzeTiming(report *core.DetonationReport) []core.EvasionIndicator {
	var out []core.EvasionIndicator

	if a.expectedRuntime > 0 && report.Runtime > 2*a.expectedRuntime {
		out = append(out, core.EvasionIndicator{
			Category:  core.EvasionTiming,
			Indicator: "execution_stall",
			Description: fmt.Sprintf("execution ran %s against an expected %s",
				report.Runtime, a.expectedRuntime),
		})
	}

	delayCalls := 0
	for _, ev := range report.ProcessEvents {
		call := strings.ToLower(ev.APICall)
		for _, stall := range stallAPICalls {
			if strings.Contains(call, stall) {
				delayCalls++
				break
			}
		}
	}
	if delayCalls >= 3 {
		out = append(out, core.EvasionIndicator{
			Category:    core.EvasionTiming,
			Indicator:   "delay_api_abuse",
			Description: fmt.Sprintf("%d delay-related API calls observed", delayCalls),
		})
	}

	return out
}

// analyzeBehavior flags process activity inconsistent with the declared
// content type
func (a *EvasionAnalyzer) analyzeBehavior(report *core.DetonationReport, target core.SandboxTarget) []core.EvasionIndicator {
	var out []core.EvasionIndicator

	declaredDocument := strings.HasPrefix(target.ContentType, "application/pdf") ||
		strings.Contains(target.ContentType, "word") ||
		strings.Contains(target.ContentType, "excel") ||
		strings.Contains(target.ContentType, "officedocument")

	for _, ev := range report.ProcessEvents {
		process := strings.ToLower(ev.Process)
		call := strings.ToLower(ev.APICall)

		if declaredDocument {
			for _, shell := range livingOffTheLandProcesses {
				if process == shell {
					out = append(out, core.EvasionIndicator{
						Category:    core.EvasionBehavior,
						Indicator:   "document_spawned_shell",
						Description: fmt.Sprintf("declared %s spawned %s", target.ContentType, ev.Process),
					})
				}
			}
		}

		for _, inject := range injectionAPICalls {
			if strings.Contains(call, inject) {
				out = append(out, core.EvasionIndicator{
					Category:    core.EvasionBehavior,
					Indicator:   "process_injection",
					Description: fmt.Sprintf("%s called %s", ev.Process, ev.APICall),
				})
			}
		}
	}

	return dedupeIndicators(out)
}

// analyzeEnvironment flags checks for sandbox-identifying system properties
func (a *EvasionAnalyzer) analyzeEnvironment(report *core.DetonationReport) []core.EvasionIndicator {
	var out []core.EvasionIndicator

	for _, probe := range report.EnvironmentProbes {
		lowered := strings.ToLower(probe)
		for _, marker := range environmentProbeMarkers {
			if strings.Contains(lowered, marker) {
				out = append(out, core.EvasionIndicator{
					Category:    core.EvasionEnvironment,
					Indicator:   "sandbox_fingerprinting",
					Description: fmt.Sprintf("probed %s", probe),
				})
				break
			}
		}
	}

	return dedupeIndicators(out)
}

// analyzeNetwork flags callbacks to known-bad or anomalous endpoints
func (a *EvasionAnalyzer) analyzeNetwork(report *core.DetonationReport) []core.EvasionIndicator {
	var out []core.EvasionIndicator

	for _, ev := range report.NetworkEvents {
		if ev.KnownBad {
			out = append(out, core.EvasionIndicator{
				Category:    core.EvasionNetwork,
				Indicator:   "known_bad_callback",
				Description: fmt.Sprintf("connection to %s:%d", ev.Endpoint, ev.Port),
			})
			continue
		}
		if net.ParseIP(ev.Endpoint) != nil && ev.Port != 80 && ev.Port != 443 {
			out = append(out, core.EvasionIndicator{
				Category:    core.EvasionNetwork,
				Indicator:   "anomalous_endpoint",
				Description: fmt.Sprintf("raw-IP connection to %s:%d", ev.Endpoint, ev.Port),
			})
		}
	}

	return out
}

func dedupeIndicators(indicators []core.EvasionIndicator) []core.EvasionIndicator {
	seen := make(map[string]bool, len(indicators))
	out := indicators[:0]
	for _, ind := range indicators {
		key := string(ind.Category) + ind.Indicator + ind.Description
		if !seen[key] {
			seen[key] = true
			out = append(out, ind)
		}
	}
	return out
}
