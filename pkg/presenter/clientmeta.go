package presenter

import (
	"encoding/json"

	"github.com/shirou/gopsutil/v4/host"
	"github.com/sirupsen/logrus"
)

// ClientMeta carries best-effort browser metadata recorded on each live
// session. Empty fields mean the information was unavailable; nothing
// here is trusted for decisions.
type ClientMeta struct {
	UserAgent string
	IPAddress string
}

// collectServerInfo snapshots host facts recorded alongside each live
// session for later analysis. Failures only cost the annotation.
func collectServerInfo(log logrus.FieldLogger) string {
	info, err := host.Info()
	if err != nil {
		log.WithError(err).Warn("Failed to collect host info")

		return ""
	}

	payload := map[string]any{
		"hostname":         info.Hostname,
		"os":               info.OS,
		"platform":         info.Platform,
		"platform_version": info.PlatformVersion,
		"kernel_version":   info.KernelVersion,
		"uptime":           info.Uptime,
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		log.WithError(err).Warn("Failed to encode host info")

		return ""
	}

	return string(encoded)
}
