package preview

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/posefit/posture-capture/capture-server/internal/h264"
	"github.com/posefit/posture-capture/capture-server/internal/logger"
	"github.com/posefit/posture-capture/capture-server/pkg/types"
)

const h264ClockRate = 90000

// client is one connected preview viewer.
type client struct {
	id         string
	peerConn   *webrtc.PeerConnection
	videoTrack *webrtc.TrackLocalStaticSample
	frameChan  chan *types.EncodedFrame
	closeChan  chan struct{}
	keyframed  bool // True once the first IDR has been delivered
}

// Server streams the live camera's hardware-encoded feed to WebRTC viewers.
// New viewers are gated until the next IDR, which is delivered with SPS/PPS
// prepended so playback starts on a decodable point.
type Server struct {
	clientsMu  sync.RWMutex
	clients    map[string]*client
	config     webrtc.Configuration
	maxClients int
	api        *webrtc.API
	inspector  *h264.Inspector
}

// NewServer creates a preview server using the given STUN servers.
func NewServer(stunServers []string, maxClients int) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, url := range stunServers {
		if url != "" {
			iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
		}
	}
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetDTLSRetransmissionInterval(2 * time.Second)
	settingEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		logger.Error("Preview", "Failed to register codecs: %v", err)
	}

	return &Server{
		clients:    make(map[string]*client),
		config:     webrtc.Configuration{ICEServers: iceServers},
		maxClients: maxClients,
		api: webrtc.NewAPI(
			webrtc.WithSettingEngine(settingEngine),
			webrtc.WithMediaEngine(mediaEngine),
		),
		inspector: h264.NewInspector(),
	}
}

// HandleOffer answers a viewer's SDP offer and registers the new client.
func (s *Server) HandleOffer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}

	s.clientsMu.RLock()
	numClients := len(s.clients)
	s.clientsMu.RUnlock()
	if numClients >= s.maxClients {
		return nil, fmt.Errorf("maximum preview clients reached (%d)", s.maxClients)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	videoTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeH264,
			ClockRate: h264ClockRate,
		},
		"video",
		"capture-preview",
	)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create video track: %w", err)
	}

	rtpSender, err := peerConn.AddTrack(videoTrack)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to add track: %w", err)
	}

	// Drain RTCP so interceptors keep running.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := rtpSender.Read(buf); err != nil {
				return
			}
		}
	}()

	c := &client{
		id:         uuid.NewString(),
		peerConn:   peerConn,
		videoTrack: videoTrack,
		frameChan:  make(chan *types.EncodedFrame, 30),
		closeChan:  make(chan struct{}),
	}

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("Preview", "Client %s connection state: %s", c.id, state.String())
		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			s.removeClient(c.id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	<-gatherComplete

	s.clientsMu.Lock()
	s.clients[c.id] = c
	s.clientsMu.Unlock()

	go s.sendFrames(c)
	logger.Info("Preview", "Client %s connected", c.id)

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		return nil, fmt.Errorf("no local description available")
	}
	return json.Marshal(localDesc)
}

// SendFrame fans one encoded frame out to all connected viewers
// (non-blocking; slow viewers drop frames).
func (s *Server) SendFrame(frame *types.EncodedFrame) {
	s.inspector.Scan(frame)

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for _, c := range s.clients {
		select {
		case c.frameChan <- frame:
		default:
		}
	}
}

func (s *Server) sendFrames(c *client) {
	for {
		select {
		case <-c.closeChan:
			return
		case frame, ok := <-c.frameChan:
			if !ok {
				return
			}

			data := frame.Data
			if !c.keyframed {
				// Hold the viewer until a decodable entry point arrives.
				if !frame.IsIDR || !s.inspector.HasHeaders() {
					continue
				}
				data = s.inspector.WithHeaders(data)
				c.keyframed = true
			}

			if err := c.videoTrack.WriteSample(media.Sample{
				Data:     data,
				Duration: time.Second / 30,
			}); err != nil {
				if err != io.ErrClosedPipe {
					logger.Warn("Preview", "Error writing sample for client %s: %v", c.id, err)
				}
				return
			}
		}
	}
}

func (s *Server) removeClient(id string) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	c, exists := s.clients[id]
	if !exists {
		return
	}

	close(c.closeChan)
	c.peerConn.Close()
	delete(s.clients, id)
	logger.Info("Preview", "Client %s disconnected", id)
}

// ClientCount returns the number of connected viewers.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Close disconnects all viewers.
func (s *Server) Close() error {
	s.clientsMu.Lock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.clientsMu.Unlock()

	for _, id := range ids {
		s.removeClient(id)
	}
	return nil
}
