package network

import (
	"strings"

	"github.com/pion/webrtc/v4"
)

// DefaultICEServerURLs are the public STUN servers used when none are configured.
var DefaultICEServerURLs = []string{
	"stun:stun.l.google.com:19302",
	"stun:global.stun.twilio.com:3478",
}

// ICEConfig holds ICE server configuration for WebRTC PeerConnections.
type ICEConfig struct {
	// Servers is tried in order during candidate gathering. Empty means
	// host candidates only, which is enough on one machine or one LAN.
	Servers []webrtc.ICEServer
}

// ICEConfigFromURLs builds one ICE server entry per non-empty URL.
func ICEConfigFromURLs(urls []string) ICEConfig {
	var config ICEConfig
	for _, url := range urls {
		url = strings.TrimSpace(url)
		if url == "" {
			continue
		}
		config.Servers = append(config.Servers, webrtc.ICEServer{URLs: []string{url}})
	}
	return config
}
