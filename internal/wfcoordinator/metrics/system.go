// Package metrics captures host/runtime information (spec §8
// supplemental): SystemInfo, the host that ran a step, is attached to
// node.completed events (a semantic-stream event); RuntimeMetrics samples
// duration, goroutines and heap around one action invocation and is
// returned in the HTTP action executor's result Metrics. Host capture
// covers Linux and Darwin, the platforms the coordinator ships on.
package metrics

import (
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// SystemInfo is static host information captured once per process.
type SystemInfo struct {
	OS               string `json:"os"`
	OSVersion        string `json:"osVersion"`
	Arch             string `json:"arch"`
	Hostname         string `json:"hostname"`
	CPUCores         int    `json:"cpuCores"`
	CPULogical       int    `json:"cpuLogical"`
	TotalMemoryMB    uint64 `json:"totalMemoryMb"`
	GoVersion        string `json:"goVersion"`
	InContainer      bool   `json:"inContainer"`
	ContainerRuntime string `json:"containerRuntime,omitempty"`
}

var (
	systemInfo     *SystemInfo
	systemInfoOnce sync.Once
)

// GetSystemInfo returns cached host information, captured on first call.
func GetSystemInfo() *SystemInfo {
	systemInfoOnce.Do(func() { systemInfo = captureSystemInfo() })
	return systemInfo
}

func captureSystemInfo() *SystemInfo {
	info := &SystemInfo{
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		CPULogical: runtime.NumCPU(),
		GoVersion:  runtime.Version(),
	}
	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	} else {
		info.Hostname = "unknown"
	}
	info.InContainer, info.ContainerRuntime = detectContainer()
	info.OSVersion = osVersion()
	info.CPUCores = physicalCores()
	info.TotalMemoryMB = totalMemoryMB()
	return info
}

func detectContainer() (bool, string) {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true, "docker"
	}
	if _, err := os.Stat("/var/run/secrets/kubernetes.io"); err == nil {
		return true, "kubernetes"
	}
	if data, err := os.ReadFile("/proc/1/cgroup"); err == nil {
		content := string(data)
		switch {
		case strings.Contains(content, "kubepods"):
			return true, "kubernetes"
		case strings.Contains(content, "docker"):
			return true, "docker"
		case strings.Contains(content, "containerd"):
			return true, "containerd"
		}
	}
	return false, ""
}

func osVersion() string {
	switch runtime.GOOS {
	case "linux":
		return linuxVersion()
	case "darwin":
		return darwinVersion()
	default:
		return "unknown"
	}
}

func linuxVersion() string {
	if data, err := os.ReadFile("/etc/os-release"); err == nil {
		var name, version string
		for _, line := range strings.Split(string(data), "\n") {
			switch {
			case strings.HasPrefix(line, "PRETTY_NAME="):
				return strings.Trim(strings.TrimPrefix(line, "PRETTY_NAME="), `"`)
			case strings.HasPrefix(line, "NAME="):
				name = strings.Trim(strings.TrimPrefix(line, "NAME="), `"`)
			case strings.HasPrefix(line, "VERSION="):
				version = strings.Trim(strings.TrimPrefix(line, "VERSION="), `"`)
			}
		}
		if name != "" {
			if version != "" {
				return name + " " + version
			}
			return name
		}
	}
	if out, err := exec.Command("uname", "-r").Output(); err == nil {
		return "Linux " + strings.TrimSpace(string(out))
	}
	return "Linux (unknown)"
}

func darwinVersion() string {
	if out, err := exec.Command("sw_vers", "-productVersion").Output(); err == nil {
		return "macOS " + strings.TrimSpace(string(out))
	}
	return "macOS (unknown)"
}

func physicalCores() int {
	if runtime.GOOS == "linux" {
		if data, err := os.ReadFile("/proc/cpuinfo"); err == nil {
			coreIDs := make(map[string]bool)
			for _, line := range strings.Split(string(data), "\n") {
				if strings.HasPrefix(line, "core id") {
					if parts := strings.SplitN(line, ":", 2); len(parts) == 2 {
						coreIDs[strings.TrimSpace(parts[1])] = true
					}
				}
			}
			if len(coreIDs) > 0 {
				return len(coreIDs)
			}
		}
	}
	if runtime.GOOS == "darwin" {
		if out, err := exec.Command("sysctl", "-n", "hw.physicalcpu").Output(); err == nil {
			if n, err := strconv.Atoi(strings.TrimSpace(string(out))); err == nil && n > 0 {
				return n
			}
		}
	}
	return runtime.NumCPU()
}

func totalMemoryMB() uint64 {
	switch runtime.GOOS {
	case "linux":
		if data, err := os.ReadFile("/proc/meminfo"); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				if strings.HasPrefix(line, "MemTotal:") {
					fields := strings.Fields(line)
					if len(fields) >= 2 {
						if kb, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
							return kb / 1024
						}
					}
				}
			}
		}
	case "darwin":
		if out, err := exec.Command("sysctl", "-n", "hw.memsize").Output(); err == nil {
			if bytes, err := strconv.ParseUint(strings.TrimSpace(string(out)), 10, 64); err == nil {
				return bytes / 1024 / 1024
			}
		}
	}
	return 0
}

// ToMap renders SystemInfo for inclusion in an event's Data payload.
func (si *SystemInfo) ToMap() map[string]any {
	m := map[string]any{
		"os":            si.OS,
		"osVersion":     si.OSVersion,
		"arch":          si.Arch,
		"hostname":      si.Hostname,
		"cpuCores":      si.CPUCores,
		"cpuLogical":    si.CPULogical,
		"totalMemoryMb": si.TotalMemoryMB,
		"goVersion":     si.GoVersion,
		"inContainer":   si.InContainer,
	}
	if si.ContainerRuntime != "" {
		m["containerRuntime"] = si.ContainerRuntime
	}
	return m
}
