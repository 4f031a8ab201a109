package wikisync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// ws-level envelope types, in addition to the peer message types
const (
	wsTypeAuth       MessageType = "auth"
	wsTypeAuthOk     MessageType = "auth-ok"
	wsTypeLookup     MessageType = "lookup-wiki"
	wsTypeWikiId     MessageType = "wiki-id"
	wsTypeWikiOpened MessageType = "wiki-opened"
)

// the coordinator wire envelope. extends the peer envelope with
// routing fields the coordinator consumes
type wsEnvelope struct {
	messageEnvelope
	Path        string     `json:"path,omitempty"`
	Tiddlers    []DumpItem `json:"tiddlers,omitempty"`
	IsLast      *bool      `json:"is_last,omitempty"`
	DeviceToken string     `json:"device_token,omitempty"`
}

type WsBackendSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	// bounded wait for a ready connection on the first lookup
	ReadyTimeout  time.Duration
	LookupTimeout time.Duration
	// per-wiki inbound buffer cap. oldest messages are dropped beyond this,
	// the periodic fingerprint broadcast repairs whatever is lost
	InboundBufferSize int
}

func DefaultWsBackendSettings() *WsBackendSettings {
	return &WsBackendSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		ReadyTimeout:       30 * time.Second,
		LookupTimeout:      5 * time.Second,
		InboundBufferSize:  4096,
	}
}

// `MessageBackend` over a websocket connection to the local peer coordinator.
// the coordinator owns discovery, connection establishment and routing.
// runs a reconnect loop for the life of the backend
type WsBackend struct {
	ctx    context.Context
	cancel context.CancelFunc

	url         string
	deviceToken string
	deviceId    Id

	settings *WsBackendSettings

	ready     chan struct{}
	readyOnce sync.Once

	sendLock sync.Mutex
	conn     *websocket.Conn

	stateLock      sync.Mutex
	inbound        map[Id][]Message
	pendingLookups map[string]chan Id
}

func NewWsBackendWithDefaults(ctx context.Context, url string, deviceToken string) (*WsBackend, error) {
	return NewWsBackend(ctx, url, deviceToken, DefaultWsBackendSettings())
}

func NewWsBackend(ctx context.Context, url string, deviceToken string, settings *WsBackendSettings) (*WsBackend, error) {
	parsedToken, err := ParseDeviceTokenUnverified(deviceToken)
	if err != nil {
		return nil, fmt.Errorf("bad device token: %w", err)
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	backend := &WsBackend{
		ctx:            cancelCtx,
		cancel:         cancel,
		url:            url,
		deviceToken:    deviceToken,
		deviceId:       parsedToken.DeviceId,
		settings:       settings,
		ready:          make(chan struct{}),
		inbound:        map[Id][]Message{},
		pendingLookups: map[string]chan Id{},
	}
	go backend.run()
	return backend, nil
}

func (self *WsBackend) DeviceId() Id {
	return self.deviceId
}

func (self *WsBackend) run() {
	defer self.cancel()

	for {
		conn, err := self.connect()
		if err != nil {
			glog.Infof("[ws]%s connect error = %s\n", self.deviceId, err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}

		self.handle(conn)

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *WsBackend) connect() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(self.ctx, self.url, nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			conn.Close()
		}
	}()

	conn.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := conn.WriteJSON(&wsEnvelope{
		messageEnvelope: messageEnvelope{
			Type: wsTypeAuth,
		},
		DeviceToken: self.deviceToken,
	}); err != nil {
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	ack := &wsEnvelope{}
	if err := conn.ReadJSON(ack); err != nil {
		return nil, err
	}
	if ack.Type != wsTypeAuthOk {
		return nil, fmt.Errorf("auth response error: %s", ack.Type)
	}

	success = true
	return conn, nil
}

func (self *WsBackend) handle(conn *websocket.Conn) {
	defer conn.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	self.sendLock.Lock()
	self.conn = conn
	self.sendLock.Unlock()
	self.readyOnce.Do(func() {
		close(self.ready)
	})
	defer func() {
		self.sendLock.Lock()
		self.conn = nil
		self.sendLock.Unlock()
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case <-time.After(self.settings.PingTimeout):
				self.sendLock.Lock()
				conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				self.sendLock.Unlock()
				if err != nil {
					// a deadline timeout cannot be recovered on a websocket
					return
				}
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		envelope := &wsEnvelope{}
		if err := conn.ReadJSON(envelope); err != nil {
			glog.Infof("[ws]%s<- error = %s\n", self.deviceId, err)
			return
		}
		self.receiveEnvelope(envelope)
	}
}

func (self *WsBackend) receiveEnvelope(envelope *wsEnvelope) {
	if envelope.Type == wsTypeWikiId {
		self.stateLock.Lock()
		pending, ok := self.pendingLookups[envelope.Path]
		if ok {
			delete(self.pendingLookups, envelope.Path)
		}
		self.stateLock.Unlock()
		if ok {
			pending <- envelope.WikiId
		}
		return
	}

	message, err := fromEnvelope(&envelope.messageEnvelope)
	if err != nil {
		// isolated to this envelope
		glog.V(1).Infof("[ws]%s<- parse error = %s\n", self.deviceId, err)
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	buffer := append(self.inbound[envelope.WikiId], message)
	if self.settings.InboundBufferSize < len(buffer) {
		buffer = buffer[len(buffer)-self.settings.InboundBufferSize:]
	}
	self.inbound[envelope.WikiId] = buffer
}

func (self *WsBackend) send(envelope *wsEnvelope) error {
	self.sendLock.Lock()
	defer self.sendLock.Unlock()

	if self.conn == nil {
		return errors.New("not connected")
	}
	self.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return self.conn.WriteJSON(envelope)
}

// MessageBackend

func (self *WsBackend) LookupWikiId(path string) (Id, bool, error) {
	select {
	case <-self.ready:
	case <-self.ctx.Done():
		return Id{}, false, errors.New("backend closed")
	case <-time.After(self.settings.ReadyTimeout):
		// abandon waiting for a ready transport
		return Id{}, false, errors.New("backend not ready")
	}

	pending := make(chan Id, 1)
	self.stateLock.Lock()
	self.pendingLookups[path] = pending
	self.stateLock.Unlock()

	if err := self.send(&wsEnvelope{
		messageEnvelope: messageEnvelope{
			Type: wsTypeLookup,
		},
		Path: path,
	}); err != nil {
		self.stateLock.Lock()
		delete(self.pendingLookups, path)
		self.stateLock.Unlock()
		return Id{}, false, err
	}

	select {
	case wikiId := <-pending:
		return wikiId, wikiId != Id{}, nil
	case <-self.ctx.Done():
		return Id{}, false, errors.New("backend closed")
	case <-time.After(self.settings.LookupTimeout):
		self.stateLock.Lock()
		delete(self.pendingLookups, path)
		self.stateLock.Unlock()
		return Id{}, false, errors.New("lookup timeout")
	}
}

func (self *WsBackend) NotifyWikiOpened(wikiId Id, deviceId Id) error {
	return self.send(&wsEnvelope{
		messageEnvelope: messageEnvelope{
			Type:         wsTypeWikiOpened,
			WikiId:       wikiId,
			FromDeviceId: &deviceId,
		},
	})
}

func (self *WsBackend) SendChange(wikiId Id, title string, tiddlerJson string) error {
	return self.send(&wsEnvelope{
		messageEnvelope: messageEnvelope{
			Type:        MessageTypeApplyChange,
			WikiId:      wikiId,
			Title:       title,
			TiddlerJson: tiddlerJson,
		},
	})
}

func (self *WsBackend) SendDeletion(wikiId Id, title string) error {
	return self.send(&wsEnvelope{
		messageEnvelope: messageEnvelope{
			Type:   MessageTypeApplyDeletion,
			WikiId: wikiId,
			Title:  title,
		},
	})
}

func (self *WsBackend) SendDump(wikiId Id, toDeviceId Id, items []DumpItem, isLast bool) error {
	return self.send(&wsEnvelope{
		messageEnvelope: messageEnvelope{
			Type:       MessageTypeDumpTiddlers,
			WikiId:     wikiId,
			ToDeviceId: &toDeviceId,
		},
		Tiddlers: items,
		IsLast:   &isLast,
	})
}

func (self *WsBackend) SendFingerprints(wikiId Id, toDeviceId Id, fingerprints []Fingerprint) error {
	return self.send(&wsEnvelope{
		messageEnvelope: messageEnvelope{
			Type:         MessageTypeSendFingerprints,
			WikiId:       wikiId,
			ToDeviceId:   &toDeviceId,
			Fingerprints: fingerprints,
		},
	})
}

func (self *WsBackend) BroadcastFingerprints(wikiId Id, fingerprints []Fingerprint) error {
	return self.send(&wsEnvelope{
		messageEnvelope: messageEnvelope{
			Type:         MessageTypeCompareFingerprints,
			WikiId:       wikiId,
			Fingerprints: fingerprints,
		},
	})
}

func (self *WsBackend) BroadcastAttachment(wikiId Id, filename string) error {
	return self.send(&wsEnvelope{
		messageEnvelope: messageEnvelope{
			Type:     MessageTypeAttachmentReceived,
			WikiId:   wikiId,
			Filename: filename,
		},
	})
}

// drains the inbound buffer for the wiki.
// while a reconnect is in progress this returns empty results rather than
// an error, so the session's polling survives transient disconnection
func (self *WsBackend) PollInbound(wikiId Id) ([]Message, error) {
	select {
	case <-self.ctx.Done():
		return nil, errors.New("backend closed")
	default:
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	buffer := self.inbound[wikiId]
	if len(buffer) == 0 {
		return nil, nil
	}
	delete(self.inbound, wikiId)
	return buffer, nil
}

func (self *WsBackend) Close() {
	self.cancel()

	self.sendLock.Lock()
	defer self.sendLock.Unlock()

	if self.conn != nil {
		self.conn.Close()
		self.conn = nil
	}
}
