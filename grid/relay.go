package grid

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// a live subscription to the relay
// `Events` is closed when the connection ends and is never restarted
type MutationChannel interface {
	Publish(event *MutationEvent) error
	Events() <-chan *MutationEvent
	Done() <-chan struct{}
	Close()
}

type RelaySettings struct {
	// outbound queue per peer. A peer whose queue is full is dropped.
	PeerBufferSize     int           `yaml:"peer_buffer_size"`
	WsHandshakeTimeout time.Duration `yaml:"ws_handshake_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	ReadTimeout        time.Duration `yaml:"read_timeout"`
	PingTimeout        time.Duration `yaml:"ping_timeout"`
	MaxMessageSize     int64         `yaml:"max_message_size"`
	ReconnectTimeout   time.Duration `yaml:"reconnect_timeout"`
	BackplaneTimeout   time.Duration `yaml:"backplane_timeout"`
}

func DefaultRelaySettings() *RelaySettings {
	return &RelaySettings{
		PeerBufferSize:     32,
		WsHandshakeTimeout: 2 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        30 * time.Second,
		PingTimeout:        10 * time.Second,
		MaxMessageSize:     64 * 1024,
		ReconnectTimeout:   5 * time.Second,
		BackplaneTimeout:   2 * time.Second,
	}
}

// Fan-out of mutations to every connected peer except the publisher.
// Delivery is at most once, in publish order per publisher, with no replay
// for peers that connect later. The relay holds no mutation state.
type Relay struct {
	ctx    context.Context
	cancel context.CancelFunc

	relayId   Id
	settings  *RelaySettings
	backplane Backplane

	upgrader websocket.Upgrader

	stateLock sync.Mutex
	peers     map[Id]*RelayPeer
}

func NewRelayWithDefaults(ctx context.Context) *Relay {
	return NewRelay(ctx, nil, DefaultRelaySettings())
}

// backplane may be nil for a single process relay
func NewRelay(ctx context.Context, backplane Backplane, settings *RelaySettings) *Relay {
	cancelCtx, cancel := context.WithCancel(ctx)
	relay := &Relay{
		ctx:       cancelCtx,
		cancel:    cancel,
		relayId:   NewId(),
		settings:  settings,
		backplane: backplane,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: settings.WsHandshakeTimeout,
			// viewers are served from other origins
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		peers: map[Id]*RelayPeer{},
	}
	if backplane != nil {
		go relay.runBackplane()
	}
	return relay
}

func (self *Relay) RelayId() Id {
	return self.relayId
}

// adds an in-process peer
func (self *Relay) Connect() *RelayPeer {
	peerCtx, peerCancel := context.WithCancel(self.ctx)
	peer := &RelayPeer{
		ctx:    peerCtx,
		cancel: peerCancel,
		relay:  self,
		peerId: NewId(),
		send:   make(chan *MutationEvent, self.settings.PeerBufferSize),
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.ctx.Err() != nil {
		peer.close()
		return peer
	}
	self.peers[peer.peerId] = peer
	glog.V(1).Infof("[r]connect %s (%d peers)\n", peer.peerId, len(self.peers))
	return peer
}

func (self *Relay) disconnect(peer *RelayPeer) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if current, ok := self.peers[peer.peerId]; ok && current == peer {
		delete(self.peers, peer.peerId)
		glog.V(1).Infof("[r]disconnect %s (%d peers)\n", peer.peerId, len(self.peers))
	}
}

func (self *Relay) PeerCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.peers)
}

func (self *Relay) otherPeers(sourceId Id) []*RelayPeer {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	peers := make([]*RelayPeer, 0, len(self.peers))
	for peerId, peer := range self.peers {
		if peerId != sourceId {
			peers = append(peers, peer)
		}
	}
	return peers
}

// the peer set lock is held only to copy the set.
// delivery never blocks on a peer
func (self *Relay) publish(sourceId Id, event *MutationEvent) {
	for _, peer := range self.otherPeers(sourceId) {
		peer.deliver(event)
	}

	if self.backplane != nil {
		envelopeBytes, err := encodeEnvelope(&relayEnvelope{
			RelayId: self.relayId,
			PeerId:  sourceId,
			Event:   event,
		})
		if err != nil {
			return
		}
		publishCtx, cancel := context.WithTimeout(self.ctx, self.settings.BackplaneTimeout)
		defer cancel()
		if err := self.backplane.Publish(publishCtx, envelopeBytes); err != nil {
			glog.Infof("[r]backplane publish error = %s\n", err)
		}
	}
}

func (self *Relay) runBackplane() {
	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		err := self.backplane.Run(self.ctx, func(payload []byte) {
			envelope, err := decodeEnvelope(payload)
			if err != nil {
				glog.V(2).Infof("[r]backplane drop = %s\n", err)
				return
			}
			if envelope.RelayId == self.relayId {
				// already delivered locally
				return
			}
			for _, peer := range self.otherPeers(envelope.PeerId) {
				peer.deliver(envelope.Event)
			}
		})
		if self.ctx.Err() != nil {
			return
		}
		glog.Infof("[r]backplane error = %v\n", err)
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

// upgrades a viewer connection to a websocket peer
func (self *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied with an error status
		glog.V(1).Infof("[r]upgrade error = %s\n", err)
		return
	}
	peer := self.Connect()
	go self.serveWs(peer, ws)
}

func (self *Relay) serveWs(peer *RelayPeer, ws *websocket.Conn) {
	defer func() {
		peer.Close()
		ws.Close()
	}()

	ws.SetReadLimit(self.settings.MaxMessageSize)
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	go func() {
		defer peer.Close()

		for {
			select {
			case <-peer.ctx.Done():
				return
			case event, ok := <-peer.send:
				if !ok {
					return
				}
				message, err := EncodeMutation(event)
				if err != nil {
					continue
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					glog.Infof("[r]%s-> error = %s\n", peer.peerId, err)
					return
				}
				glog.V(2).Infof("[r]%s-> %s\n", peer.peerId, event)
			case <-time.After(self.settings.PingTimeout):
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(self.settings.WriteTimeout)); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		// unblocks the read when the peer is dropped
		<-peer.ctx.Done()
		ws.Close()
	}()

	for {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			if peer.ctx.Err() == nil {
				glog.V(1).Infof("[r]%s<- error = %s\n", peer.peerId, err)
			}
			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			HandleError(func() {
				event, err := DecodeMutation(message)
				if err != nil {
					// malformed payloads are dropped
					glog.V(2).Infof("[r]%s<- drop = %s\n", peer.peerId, err)
					return
				}
				glog.V(2).Infof("[r]%s<- %s\n", peer.peerId, event)
				peer.Publish(event)
			})
		}
	}
}

func (self *Relay) Close() {
	self.cancel()

	self.stateLock.Lock()
	peers := make([]*RelayPeer, 0, len(self.peers))
	for _, peer := range self.peers {
		peers = append(peers, peer)
	}
	self.peers = map[Id]*RelayPeer{}
	self.stateLock.Unlock()

	for _, peer := range peers {
		peer.close()
	}
}

// one connected viewer
type RelayPeer struct {
	ctx    context.Context
	cancel context.CancelFunc

	relay  *Relay
	peerId Id

	// guards close of `send`
	sendLock sync.Mutex
	closed   bool
	send     chan *MutationEvent
}

func (self *RelayPeer) PeerId() Id {
	return self.peerId
}

// sends to every other connected peer
func (self *RelayPeer) Publish(event *MutationEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if self.ctx.Err() != nil {
		return ErrRelayClosed
	}
	self.relay.publish(self.peerId, event)
	return nil
}

// non-blocking. A full queue drops the peer.
func (self *RelayPeer) deliver(event *MutationEvent) {
	self.sendLock.Lock()
	defer self.sendLock.Unlock()

	if self.closed {
		return
	}
	select {
	case self.send <- event:
	default:
		glog.Infof("[r]drop %s, send queue full (%d)\n", self.peerId, cap(self.send))
		self.closeWithLock()
		go self.relay.disconnect(self)
	}
}

func (self *RelayPeer) Events() <-chan *MutationEvent {
	return self.send
}

func (self *RelayPeer) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *RelayPeer) Close() {
	self.close()
	self.relay.disconnect(self)
}

func (self *RelayPeer) close() {
	self.sendLock.Lock()
	defer self.sendLock.Unlock()
	self.closeWithLock()
}

func (self *RelayPeer) closeWithLock() {
	if self.closed {
		return
	}
	self.closed = true
	self.cancel()
	close(self.send)
}

func (self *RelayPeer) String() string {
	return fmt.Sprintf("peer(%s)", self.peerId)
}
