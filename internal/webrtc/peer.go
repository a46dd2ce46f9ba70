// Package webrtc provides a PeerConnection with one pre-negotiated
// DataChannel, detached and exposed as a byte stream.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// DefaultICEServers are used when the configuration lists none. With no
// servers at all only host candidates are gathered.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// ErrPeerFailed is returned when the PeerConnection fails before the
// DataChannel opens.
var ErrPeerFailed = errors.New("peer connection failed")

// Peer owns a PeerConnection and its single tunnel DataChannel.
type Peer struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	open     chan struct{}
	failed   chan struct{}
	openOnce sync.Once
	failOnce sync.Once
}

// newAPI returns an API whose DataChannels can be detached. Loopback
// candidates are included so both ends may run on one host.
func newAPI() *webrtc.API {
	s := webrtc.SettingEngine{}
	s.DetachDataChannels()
	s.SetIncludeLoopbackCandidate(true)
	return webrtc.NewAPI(webrtc.WithSettingEngine(s))
}

// NewPeer creates a PeerConnection using iceServers (DefaultICEServers when
// empty) and a pre-negotiated, ordered DataChannel with ID 0. Using
// negotiated mode lets both sides create the channel without OnDataChannel.
func NewPeer(iceServers []string) (*Peer, error) {
	if len(iceServers) == 0 {
		iceServers = DefaultICEServers
	}

	var cfg webrtc.Configuration
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	pc, err := newAPI().NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create PeerConnection: %w", err)
	}

	ordered := true
	negotiated := true
	id := uint16(0)
	dc, err := pc.CreateDataChannel("tunnel", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create DataChannel: %w", err)
	}

	p := &Peer{
		pc:     pc,
		dc:     dc,
		open:   make(chan struct{}),
		failed: make(chan struct{}),
	}

	dc.OnOpen(func() {
		p.openOnce.Do(func() { close(p.open) })
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			p.failOnce.Do(func() { close(p.failed) })
		}
	})

	return p, nil
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// Offer creates an SDP offer and returns it once ICE gathering completed, so
// the description carries every local candidate.
func (p *Peer) Offer(ctx context.Context) (webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("CreateOffer: %w", err)
	}
	return p.setLocal(ctx, offer)
}

// Answer applies a remote offer and returns the gathered answer.
func (p *Peer) Answer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("SetRemoteDescription: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("CreateAnswer: %w", err)
	}
	return p.setLocal(ctx, answer)
}

// Accept applies the remote answer to a previously created offer.
func (p *Peer) Accept(answer webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("SetRemoteDescription: %w", err)
	}
	return nil
}

func (p *Peer) setLocal(ctx context.Context, sdp webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(sdp); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("SetLocalDescription: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	}
	return *p.pc.LocalDescription(), nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Open waits for the DataChannel to open and detaches it. The returned
// Stream owns the Peer: closing it closes the PeerConnection.
func (p *Peer) Open(ctx context.Context) (*Stream, error) {
	select {
	case <-p.open:
	case <-p.failed:
		return nil, ErrPeerFailed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	raw, err := p.dc.Detach()
	if err != nil {
		return nil, fmt.Errorf("failed to detach DataChannel: %w", err)
	}

	s := newStream(raw, p.pc)
	s.watchBuffered(p.dc)
	return s, nil
}

// Close shuts down the DataChannel and PeerConnection.
func (p *Peer) Close() error {
	return errors.Join(p.dc.Close(), p.pc.Close())
}
