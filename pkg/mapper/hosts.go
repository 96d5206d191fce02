package mapper

import (
	"os"
	"strings"

	"github.com/burrowhq/burrow/pkg/config"
	"github.com/burrowhq/burrow/pkg/log"
)

// HostResolver maps a container name to the host callers should dial.
type HostResolver func(containerName string) string

// NewHostResolver builds the host-resolution policy: a configured override
// wins; host mode dials localhost (published ports on the container host);
// container mode dials the container name (docker-internal DNS); auto mode
// picks by detecting whether this process itself runs inside a container.
func NewHostResolver(mode config.HostMode, override string) HostResolver {
	if override != "" {
		return func(string) string { return override }
	}

	switch mode {
	case config.HostModeHost:
		return func(string) string { return "localhost" }
	case config.HostModeContainer:
		return func(containerName string) string { return containerName }
	default:
		logger := log.WithComponent("mapper")
		if runningInContainer() {
			logger.Debug().Msg("auto host mode: in-container, using container DNS")
			return func(containerName string) string { return containerName }
		}
		logger.Debug().Msg("auto host mode: on host, using localhost")
		return func(string) string { return "localhost" }
	}
}

// runningInContainer detects containerized execution of this process.
func runningInContainer() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	data, err := os.ReadFile("/proc/1/cgroup")
	if err != nil {
		return false
	}
	s := string(data)
	return strings.Contains(s, "docker") || strings.Contains(s, "containerd") || strings.Contains(s, "kubepods")
}
