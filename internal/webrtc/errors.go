package webrtc

import "errors"

// Transport error kinds. All are scoped to one connection attempt and
// never fatal to the session; callers match them with errors.Is.
var (
	ErrMalformedOffer   = errors.New("malformed offer payload")
	ErrMalformedAnswer  = errors.New("malformed answer payload")
	ErrUnknownPeer      = errors.New("no pending offer for peer")
	ErrTransportInit    = errors.New("local description could not be produced")
	ErrHandshakeTimeout = errors.New("ICE candidate gathering timed out")
)
