package wikisync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/jonboulle/clockwork"
)

type ReceiveFunction func(messages []Message)

type PollTransportSettings struct {
	// fast polling right after activation, to minimize perceived sync latency
	WarmPollInterval   time.Duration
	WarmWindow         time.Duration
	SteadyPollInterval time.Duration
	// bridge only: consecutive failures past this count slow polling down
	BackoffFailureCount int
	BackoffPollInterval time.Duration
	// bridge only: consecutive failures past this count stop polling for good
	GiveUpFailureCount int
}

func DefaultPollTransportSettings() *PollTransportSettings {
	return &PollTransportSettings{
		WarmPollInterval:    20 * time.Millisecond,
		WarmWindow:          2 * time.Second,
		SteadyPollInterval:  100 * time.Millisecond,
		BackoffFailureCount: 10,
		BackoffPollInterval: 1 * time.Second,
		GiveUpFailureCount:  30,
	}
}

// one sync channel for a session.
// `Send` maps each outbound message variant to the backend's typed call.
// `Start` begins inbound polling, delivering received messages to the callback
type Transport interface {
	Send(message Message, toDeviceId *Id) error
	SendDumpBatch(toDeviceId Id, items []DumpItem, isLast bool) error
	Start(receive ReceiveFunction)
	Dead() bool
	Close()
}

// shared outbound mapping for both transport implementations
type transportSender struct {
	backend MessageBackend
	wikiId  Id
}

func (self *transportSender) Send(message Message, toDeviceId *Id) error {
	var err error
	switch v := message.(type) {
	case *ApplyChange:
		err = self.backend.SendChange(self.wikiId, v.Title, v.TiddlerJson)
	case *ApplyDeletion:
		err = self.backend.SendDeletion(self.wikiId, v.Title)
	case *CompareFingerprints:
		if toDeviceId == nil {
			err = self.backend.BroadcastFingerprints(self.wikiId, v.Fingerprints)
		} else {
			err = self.backend.SendFingerprints(self.wikiId, *toDeviceId, v.Fingerprints)
		}
	case *AttachmentReceived:
		err = self.backend.BroadcastAttachment(self.wikiId, v.Filename)
	case *Conflict, *DumpTiddlers, *SendFingerprints:
		// these originate with the peer coordinator, never with this engine
		err = fmt.Errorf("message type %s cannot be sent by the engine", message.MessageType())
	default:
		err = fmt.Errorf("unknown message type: %T", v)
	}
	if err != nil {
		glog.Infof("[t]%s send %s error = %s\n", self.wikiId, message.MessageType(), err)
	}
	return err
}

func (self *transportSender) SendDumpBatch(toDeviceId Id, items []DumpItem, isLast bool) error {
	err := self.backend.SendDump(self.wikiId, toDeviceId, items, isLast)
	if err != nil {
		glog.Infof("[t]%s send dump batch error = %s\n", self.wikiId, err)
	}
	return err
}

// polls the per-identity message queue.
// a single poll failure means the channel is unavailable in this mode,
// so polling stops permanently for the session. non-fatal, silent degradation
type queuePollTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	transportSender
	clock    clockwork.Clock
	settings *PollTransportSettings

	receive ReceiveFunction

	stateLock sync.Mutex
	dead      bool
}

func NewQueuePollTransport(
	ctx context.Context,
	clock clockwork.Clock,
	backend MessageBackend,
	wikiId Id,
	settings *PollTransportSettings,
) Transport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &queuePollTransport{
		ctx:    cancelCtx,
		cancel: cancel,
		transportSender: transportSender{
			backend: backend,
			wikiId:  wikiId,
		},
		clock:    clock,
		settings: settings,
	}
}

func (self *queuePollTransport) Start(receive ReceiveFunction) {
	self.receive = receive
	go self.run()
}

func (self *queuePollTransport) run() {
	defer self.cancel()

	startTime := self.clock.Now()
	for {
		interval := self.settings.SteadyPollInterval
		if self.clock.Since(startTime) < self.settings.WarmWindow {
			interval = self.settings.WarmPollInterval
		}
		select {
		case <-self.ctx.Done():
			return
		case <-self.clock.After(interval):
		}

		messages, err := self.backend.PollInbound(self.wikiId)
		if err != nil {
			glog.Infof("[qt]%s poll stopped = %s\n", self.wikiId, err)
			self.stateLock.Lock()
			self.dead = true
			self.stateLock.Unlock()
			return
		}
		if 0 < len(messages) {
			glog.V(2).Infof("[qt]%s<- %d\n", self.wikiId, len(messages))
			self.receive(messages)
		}
	}
}

func (self *queuePollTransport) Dead() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.dead
}

func (self *queuePollTransport) Close() {
	self.cancel()
}

// polls a bridge-local buffer.
// consecutive failures back the interval off, then stop polling entirely
type bridgeTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	transportSender
	clock    clockwork.Clock
	settings *PollTransportSettings

	receive ReceiveFunction

	stateLock sync.Mutex
	failures  int
	dead      bool
}

func NewBridgeTransport(
	ctx context.Context,
	clock clockwork.Clock,
	backend BridgeBackend,
	wikiId Id,
	settings *PollTransportSettings,
) Transport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &bridgeTransport{
		ctx:    cancelCtx,
		cancel: cancel,
		transportSender: transportSender{
			backend: backend,
			wikiId:  wikiId,
		},
		clock:    clock,
		settings: settings,
	}
}

func (self *bridgeTransport) Start(receive ReceiveFunction) {
	self.receive = receive
	go self.run()
}

func (self *bridgeTransport) run() {
	defer self.cancel()

	startTime := self.clock.Now()
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.clock.After(self.interval(startTime)):
		}

		messages, err := self.backend.PollInbound(self.wikiId)
		if err != nil {
			self.stateLock.Lock()
			self.failures += 1
			failures := self.failures
			if self.settings.GiveUpFailureCount <= failures {
				self.dead = true
			}
			dead := self.dead
			self.stateLock.Unlock()

			if dead {
				glog.Infof("[bt]%s poll gave up after %d failures\n", self.wikiId, failures)
				return
			}
			glog.V(2).Infof("[bt]%s poll error (%d) = %s\n", self.wikiId, failures, err)
			continue
		}
		self.stateLock.Lock()
		self.failures = 0
		self.stateLock.Unlock()

		if 0 < len(messages) {
			glog.V(2).Infof("[bt]%s<- %d\n", self.wikiId, len(messages))
			self.receive(messages)
		}
	}
}

func (self *bridgeTransport) interval(startTime time.Time) time.Duration {
	self.stateLock.Lock()
	failures := self.failures
	self.stateLock.Unlock()

	if self.settings.BackoffFailureCount <= failures {
		return self.settings.BackoffPollInterval
	}
	if self.clock.Since(startTime) < self.settings.WarmWindow {
		return self.settings.WarmPollInterval
	}
	return self.settings.SteadyPollInterval
}

func (self *bridgeTransport) Dead() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.dead
}

func (self *bridgeTransport) Close() {
	self.cancel()
}
