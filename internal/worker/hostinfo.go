package worker

import (
	"context"
	"os"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/host"

	v1 "github.com/rzapply/rzapply/pkg/api/v1"
)

// HostMetadata describes the machine an agent runs on
type HostMetadata struct {
	Hostname       string
	Platform       string
	RuntimeVersion string
}

// CollectHostMetadata gathers registration metadata. gopsutil failures fall
// back to the os and runtime packages.
func CollectHostMetadata(ctx context.Context) HostMetadata {
	meta := HostMetadata{
		Platform:       runtime.GOOS + "/" + runtime.GOARCH,
		RuntimeVersion: runtime.Version(),
	}

	info, err := host.InfoWithContext(ctx)
	if err == nil && info != nil {
		meta.Hostname = info.Hostname
		parts := []string{info.OS}
		if info.Platform != "" {
			parts = append(parts, info.Platform)
		}
		if info.PlatformVersion != "" {
			parts = append(parts, info.PlatformVersion)
		}
		if info.KernelArch != "" {
			parts = append(parts, info.KernelArch)
		}
		meta.Platform = strings.Join(parts, "-")
	}
	if meta.Hostname == "" {
		meta.Hostname, _ = os.Hostname()
	}
	return meta
}

// RegisterRequest builds the registration payload for this host
func (m HostMetadata) RegisterRequest(clientID string, headless bool) *v1.RegisterRequest {
	return &v1.RegisterRequest{
		ClientID:       clientID,
		Hostname:       m.Hostname,
		Platform:       m.Platform,
		RuntimeVersion: m.RuntimeVersion,
		Headless:       &headless,
	}
}
