package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/enspurna/enspurna/internal/protocol"
)

// Peer is one inbound participant connection, from pending offer to
// closed channel. Owned exclusively by the Server that created it.
type Peer struct {
	id string
	pc *pion.PeerConnection
	dc *pion.DataChannel

	role          string
	authenticated bool
	gone          bool // disconnect callback already fired
}

// ID returns the opaque peer identifier.
func (p *Peer) ID() string {
	return p.id
}

// Server is the controller-side transport: it brokers one pending offer
// per joining participant and multiplexes messaging across all open
// channels.
type Server struct {
	cfg Config

	mu      sync.Mutex
	peers   map[string]*Peer
	pending map[string]*Peer

	// Single-subscriber event hooks, set before the first CreateOffer.
	onConnected    func(peerID string)
	onDisconnected func(peerID string)
	onMessage      func(peerID string, msg protocol.Message)
}

// NewServer creates a server-role transport.
func NewServer(cfg Config) *Server {
	return &Server{
		cfg:     cfg,
		peers:   make(map[string]*Peer),
		pending: make(map[string]*Peer),
	}
}

// SetOnPeerConnected registers the handler fired when a peer's channel
// opens.
func (s *Server) SetOnPeerConnected(fn func(peerID string)) {
	s.onConnected = fn
}

// SetOnPeerDisconnected registers the handler fired exactly once when a
// peer's channel closes or its connection fails.
func (s *Server) SetOnPeerDisconnected(fn func(peerID string)) {
	s.onDisconnected = fn
}

// SetOnMessage registers the handler for parsed inbound messages,
// tagged with the sending peer.
func (s *Server) SetOnMessage(fn func(peerID string, msg protocol.Message)) {
	s.onMessage = fn
}

// CreateOffer allocates a new peer slot, opens its connection and data
// channel, and returns the complete offer once candidate gathering
// finishes. The pending offer stays valid until an answer is accepted
// or DiscardPendingOffers runs.
func (s *Server) CreateOffer(ctx context.Context) (peerID string, payload []byte, err error) {
	pc, err := pion.NewPeerConnection(s.cfg.peerConfiguration())
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrTransportInit, err)
	}

	peer := &Peer{
		id:   uuid.NewString(),
		pc:   pc,
		role: protocol.RoleClient,
	}

	dc, err := pc.CreateDataChannel(channelLabel, nil)
	if err != nil {
		pc.Close()
		return "", nil, fmt.Errorf("%w: %v", ErrTransportInit, err)
	}
	peer.dc = dc

	dc.OnOpen(func() {
		log.Info().Str("peer", peer.id).Msg("data channel opened")
		if s.onConnected != nil {
			s.onConnected(peer.id)
		}
	})
	dc.OnClose(func() {
		s.removePeer(peer.id, "channel closed")
	})
	dc.OnMessage(func(raw pion.DataChannelMessage) {
		s.handleMessage(peer, raw.Data)
	})

	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		log.Debug().Str("peer", peer.id).Str("state", state.String()).Msg("peer connection state")
		switch state {
		case pion.PeerConnectionStateFailed,
			pion.PeerConnectionStateDisconnected,
			pion.PeerConnectionStateClosed:
			s.removePeer(peer.id, state.String())
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return "", nil, fmt.Errorf("%w: %v", ErrTransportInit, err)
	}

	gatherComplete := pion.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return "", nil, fmt.Errorf("%w: %v", ErrTransportInit, err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(s.cfg.gatherTimeout()):
		pc.Close()
		return "", nil, ErrHandshakeTimeout
	case <-ctx.Done():
		pc.Close()
		return "", nil, ctx.Err()
	}

	payload, err = marshalDescription(pc.LocalDescription())
	if err != nil {
		pc.Close()
		return "", nil, err
	}

	s.mu.Lock()
	s.pending[peer.id] = peer
	s.mu.Unlock()

	log.Info().Str("peer", peer.id).Msg("offer created")
	return peer.id, payload, nil
}

// AcceptAnswer completes the handshake for a pending offer, promoting
// it to an active peer.
func (s *Server) AcceptAnswer(peerID string, payload []byte) error {
	s.mu.Lock()
	peer, ok := s.pending[peerID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}

	var desc pion.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedAnswer, err)
	}
	if desc.Type != pion.SDPTypeAnswer || desc.SDP == "" {
		return fmt.Errorf("%w: expected answer description", ErrMalformedAnswer)
	}

	if err := peer.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedAnswer, err)
	}

	s.mu.Lock()
	delete(s.pending, peerID)
	s.peers[peerID] = peer
	s.mu.Unlock()

	log.Info().Str("peer", peerID).Msg("answer accepted")
	return nil
}

// DiscardPendingOffers closes every not-yet-answered connection. Called
// when the session re-initializes.
func (s *Server) DiscardPendingOffers() {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string]*Peer)
	s.mu.Unlock()

	for id, peer := range pending {
		peer.pc.Close()
		log.Debug().Str("peer", id).Msg("pending offer discarded")
	}
}

// Broadcast sends a message to every peer whose channel is open. Peers
// that are still connecting or tearing down are skipped; partial
// delivery is expected.
func (s *Server) Broadcast(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Msg("encode broadcast")
		return
	}

	for _, peer := range s.openPeers() {
		if err := peer.dc.SendText(string(data)); err != nil {
			log.Debug().Err(err).Str("peer", peer.id).Msg("broadcast send skipped")
		}
	}
}

// SendToPeer unicasts a message. No-op for unknown peers or channels
// that are not open.
func (s *Server) SendToPeer(peerID string, msg protocol.Message) {
	s.mu.Lock()
	peer, ok := s.peers[peerID]
	s.mu.Unlock()
	if !ok || peer.dc.ReadyState() != pion.DataChannelStateOpen {
		return
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Msg("encode unicast")
		return
	}
	if err := peer.dc.SendText(string(data)); err != nil {
		log.Debug().Err(err).Str("peer", peerID).Msg("unicast send failed")
	}
}

// PeerRole returns the role the peer declared in its hello, or the
// default participant role before any hello arrived.
func (s *Server) PeerRole(peerID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if peer, ok := s.peers[peerID]; ok {
		return peer.role
	}
	return protocol.RoleClient
}

// IsAuthenticated reports whether the peer has passed the admin
// password check on this connection.
func (s *Server) IsAuthenticated(peerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if peer, ok := s.peers[peerID]; ok {
		return peer.authenticated
	}
	return false
}

// MarkAuthenticated flags the peer as authenticated for the remainder
// of its connection.
func (s *Server) MarkAuthenticated(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if peer, ok := s.peers[peerID]; ok {
		peer.authenticated = true
	}
}

// PeerCount returns the number of promoted (answered) peers.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Close tears down every connection, pending and active.
func (s *Server) Close() {
	s.mu.Lock()
	peers := make([]*Peer, 0, len(s.peers)+len(s.pending))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	for _, p := range s.pending {
		peers = append(peers, p)
	}
	s.peers = make(map[string]*Peer)
	s.pending = make(map[string]*Peer)
	s.mu.Unlock()

	for _, p := range peers {
		p.pc.Close()
	}
}

func (s *Server) openPeers() []*Peer {
	s.mu.Lock()
	defer s.mu.Unlock()

	open := make([]*Peer, 0, len(s.peers))
	for _, peer := range s.peers {
		if peer.dc.ReadyState() == pion.DataChannelStateOpen {
			open = append(open, peer)
		}
	}
	return open
}

// handleMessage decodes inbound traffic. A hello updates the stored
// role (self-reported; authorization rests on the password check, not
// on this declaration) before the message is surfaced.
func (s *Server) handleMessage(peer *Peer, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("peer", peer.id).Msg("dropping unparseable message")
		return
	}

	if msg.Kind == protocol.KindHello {
		s.mu.Lock()
		peer.role = msg.Hello.Role
		s.mu.Unlock()
		log.Info().Str("peer", peer.id).Str("role", msg.Hello.Role).Msg("peer declared role")
	}

	if s.onMessage != nil {
		s.onMessage(peer.id, msg)
	}
}

// removePeer drops a peer from both maps, closes its connection, and
// fires the disconnect hook exactly once.
func (s *Server) removePeer(peerID, reason string) {
	s.mu.Lock()
	peer, ok := s.peers[peerID]
	if !ok {
		peer, ok = s.pending[peerID]
	}
	if !ok || peer.gone {
		s.mu.Unlock()
		return
	}
	peer.gone = true
	delete(s.peers, peerID)
	delete(s.pending, peerID)
	s.mu.Unlock()

	peer.pc.Close()
	log.Info().Str("peer", peerID).Str("reason", reason).Msg("peer removed")

	if s.onDisconnected != nil {
		s.onDisconnected(peerID)
	}
}
