package grid

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type RelayTransportSettings struct {
	WsHandshakeTimeout time.Duration `yaml:"ws_handshake_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	ReadTimeout        time.Duration `yaml:"read_timeout"`
	PingTimeout        time.Duration `yaml:"ping_timeout"`
	SendBufferSize     int           `yaml:"send_buffer_size"`
	ReceiveBufferSize  int           `yaml:"receive_buffer_size"`
}

func DefaultRelayTransportSettings() *RelayTransportSettings {
	return &RelayTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        30 * time.Second,
		PingTimeout:        10 * time.Second,
		SendBufferSize:     32,
		ReceiveBufferSize:  32,
	}
}

// Client side of one relay connection. One connection is one subscription:
// when the connection ends `Events` is closed, and a new `DialRelay` starts
// a fresh subscription with no backlog.
type RelayTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	relayUrl string
	settings *RelayTransportSettings

	ws     *websocket.Conn
	send   chan []byte
	events chan *MutationEvent

	published atomic.Int64
	written   atomic.Int64
}

func DialRelayWithDefaults(ctx context.Context, relayUrl string) (*RelayTransport, error) {
	return DialRelay(ctx, relayUrl, DefaultRelayTransportSettings())
}

func DialRelay(ctx context.Context, relayUrl string, settings *RelayTransportSettings) (*RelayTransport, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: settings.WsHandshakeTimeout,
	}
	ws, err := TraceWithReturnError("[rt]dial "+relayUrl, func() (*websocket.Conn, error) {
		ws, _, err := dialer.DialContext(ctx, relayUrl, nil)
		return ws, err
	})
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &RelayTransport{
		ctx:      cancelCtx,
		cancel:   cancel,
		relayUrl: relayUrl,
		settings: settings,
		ws:       ws,
		send:     make(chan []byte, settings.SendBufferSize),
		events:   make(chan *MutationEvent, settings.ReceiveBufferSize),
	}
	go transport.run()
	return transport, nil
}

func (self *RelayTransport) run() {
	defer func() {
		self.cancel()
		self.ws.Close()
	}()

	self.ws.SetPongHandler(func(string) error {
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	go func() {
		defer self.cancel()

		for {
			select {
			case <-self.ctx.Done():
				return
			case message := <-self.send:
				self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := self.ws.WriteMessage(websocket.TextMessage, message); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					glog.Infof("[rt]%s-> error = %s\n", self.relayUrl, err)
					return
				}
				self.written.Add(1)
				glog.V(2).Infof("[rt]%s->\n", self.relayUrl)
			case <-time.After(self.settings.PingTimeout):
				if err := self.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(self.settings.WriteTimeout)); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		// unblocks the read on close
		<-self.ctx.Done()
		self.ws.Close()
	}()

	defer close(self.events)

	for {
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			if self.ctx.Err() == nil {
				glog.Infof("[rt]%s<- error = %s\n", self.relayUrl, err)
			}
			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			event, err := DecodeMutation(message)
			if err != nil {
				glog.V(2).Infof("[rt]%s<- drop = %s\n", self.relayUrl, err)
				continue
			}
			select {
			case <-self.ctx.Done():
				return
			case self.events <- event:
				glog.V(2).Infof("[rt]%s<- %s\n", self.relayUrl, event)
			case <-time.After(self.settings.ReadTimeout):
				// a dropped mutation would leave the window silently diverged,
				// so the subscription ends and the next one starts fresh
				glog.Infof("[rt]%s<- receiver blocked, closing\n", self.relayUrl)
				return
			}
		}
	}
}

// enqueues the event without blocking
func (self *RelayTransport) Publish(event *MutationEvent) error {
	message, err := EncodeMutation(event)
	if err != nil {
		return err
	}
	if self.ctx.Err() != nil {
		return ErrRelayClosed
	}
	select {
	case self.send <- message:
		self.published.Add(1)
		return nil
	default:
		return ErrRelayBackpressure
	}
}

// waits until every published event has been written to the connection
func (self *RelayTransport) Flush(ctx context.Context) error {
	for self.written.Load() < self.published.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-self.ctx.Done():
			return ErrRelayClosed
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil
}

func (self *RelayTransport) Events() <-chan *MutationEvent {
	return self.events
}

func (self *RelayTransport) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *RelayTransport) Close() {
	self.cancel()
}

// waits out the remainder of a timeout measured from when the attempt started
type Reconnect struct {
	startTime time.Time
	timeout   time.Duration
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		startTime: time.Now(),
		timeout:   timeout,
	}
}

func (self *Reconnect) After() <-chan time.Time {
	timeout := self.timeout - time.Since(self.startTime)
	if timeout <= 0 {
		c := make(chan time.Time, 1)
		c <- time.Now()
		return c
	}
	return time.After(timeout)
}
