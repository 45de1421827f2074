package grid

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// opens one relay subscription
type RelayDialer func(ctx context.Context) (MutationChannel, error)

func NewWebsocketRelayDialer(relayUrl string, settings *RelayTransportSettings) RelayDialer {
	return func(ctx context.Context) (MutationChannel, error) {
		return DialRelay(ctx, relayUrl, settings)
	}
}

func NewInProcessRelayDialer(relay *Relay) RelayDialer {
	return func(ctx context.Context) (MutationChannel, error) {
		return relay.Connect(), nil
	}
}

type SessionSettings struct {
	Window           *WindowSettings `yaml:"window"`
	ReconnectTimeout time.Duration   `yaml:"reconnect_timeout"`
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		Window:           DefaultWindowSettings(),
		ReconnectTimeout: 5 * time.Second,
	}
}

// One viewer: a window manager kept in sync with the relay.
// A lost relay connection leaves the window usable with stale data,
// and the next connection is a fresh subscription.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	sessionId Id
	window    *WindowManager
	dialer    RelayDialer
	settings  *SessionSettings
	log       LogFunction

	stateLock sync.Mutex
	channel   MutationChannel
	// closed and replaced on each connect
	connected chan struct{}
}

func NewSession(
	ctx context.Context,
	source Source,
	dialer RelayDialer,
	renderer Renderer,
	perf PerfSink,
	settings *SessionSettings,
) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)
	sessionId := NewId()
	session := &Session{
		ctx:       cancelCtx,
		cancel:    cancel,
		sessionId: sessionId,
		window:    NewWindowManager(cancelCtx, source, renderer, perf, settings.Window),
		dialer:    dialer,
		settings:  settings,
		log:       LogFn(1, "[s]"+sessionId.String()+" "),
		connected: make(chan struct{}),
	}
	if dialer != nil {
		go session.run()
	}
	return session
}

func (self *Session) run() {
	defer self.cancel()

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		channel, err := self.dialer(self.ctx)
		if err != nil {
			if self.ctx.Err() != nil {
				return
			}
			glog.Infof("[s]relay connect error = %s\n", err)
		} else {
			self.consume(channel)
			if self.ctx.Err() != nil {
				return
			}
			glog.Infof("[s]relay connection lost\n")
		}

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *Session) consume(channel MutationChannel) {
	self.stateLock.Lock()
	self.channel = channel
	close(self.connected)
	self.stateLock.Unlock()
	self.log("connected")

	defer func() {
		channel.Close()

		self.stateLock.Lock()
		self.channel = nil
		self.connected = make(chan struct{})
		self.stateLock.Unlock()
		self.log("disconnected")
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		case event, ok := <-channel.Events():
			if !ok {
				return
			}
			HandleError(func() {
				self.window.ApplyMutation(event)
			})
		}
	}
}

// applies the edit locally and publishes it to the other viewers.
// When there is no relay connection the edit stays local.
func (self *Session) EditCell(rowId int64, field string, value Value) error {
	event := &MutationEvent{
		Id:    rowId,
		Field: field,
		Value: normalizeValue(value),
	}
	if err := event.Validate(); err != nil {
		return err
	}
	self.window.ApplyLocalEdit(event)

	self.stateLock.Lock()
	channel := self.channel
	self.stateLock.Unlock()

	if channel == nil {
		return ErrRelayClosed
	}
	return channel.Publish(event)
}

// blocks until the relay is connected
func (self *Session) WaitConnected(ctx context.Context) error {
	self.stateLock.Lock()
	connected := self.connected
	self.stateLock.Unlock()

	select {
	case <-connected:
		return nil
	case <-self.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (self *Session) Connected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.channel != nil
}

func (self *Session) SessionId() Id {
	return self.sessionId
}

func (self *Session) Window() *WindowManager {
	return self.window
}

func (self *Session) Close() {
	self.cancel()
	self.window.Close()
}

func (self *Session) Done() <-chan struct{} {
	return self.ctx.Done()
}
