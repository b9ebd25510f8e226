// Package webrtc manages the peer connections and data channels between
// the controller and its participants. Offers and answers are complete
// local descriptions (vanilla ICE): candidate gathering finishes before
// a payload is produced, so the out-of-band exchange is exactly one
// round-trip per direction.
package webrtc

import (
	"encoding/json"
	"fmt"
	"time"

	pion "github.com/pion/webrtc/v4"
)

// DefaultGatherTimeout bounds ICE candidate gathering. Gathering that
// never completes would otherwise hang offer/answer generation forever.
const DefaultGatherTimeout = 10 * time.Second

const channelLabel = "enspurna"

// Config holds the transport settings shared by both roles.
type Config struct {
	// ICEServers are STUN/TURN URLs. Empty means a default public STUN
	// server.
	ICEServers []string
	// GatherTimeout bounds ICE gathering; zero means DefaultGatherTimeout.
	GatherTimeout time.Duration
}

func (c Config) gatherTimeout() time.Duration {
	if c.GatherTimeout <= 0 {
		return DefaultGatherTimeout
	}
	return c.GatherTimeout
}

func (c Config) peerConfiguration() pion.Configuration {
	urls := c.ICEServers
	if len(urls) == 0 {
		urls = []string{"stun:stun.l.google.com:19302"}
	}

	var servers []pion.ICEServer
	for _, u := range urls {
		servers = append(servers, pion.ICEServer{URLs: []string{u}})
	}

	return pion.Configuration{ICEServers: servers}
}

// marshalDescription serializes a local description for out-of-band
// exchange. The payload stays opaque to everything but this package.
func marshalDescription(desc *pion.SessionDescription) ([]byte, error) {
	if desc == nil {
		return nil, ErrTransportInit
	}
	payload, err := json.Marshal(desc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportInit, err)
	}
	return payload, nil
}
