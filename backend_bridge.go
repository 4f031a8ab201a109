package wikisync

import (
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
)

type bridgeEnvelope struct {
	wikiId  Id
	message Message
}

// in-process direct-call hub.
// routes typed sends between attached devices through per-device inbound buffers.
// this is the bridge channel used where the queue mechanism cannot cross
// a process boundary, and the harness for multi-replica tests
type BridgeHub struct {
	stateLock sync.Mutex
	// wiki path -> wiki id
	wikiIds map[string]Id
	// device id -> inbound buffer
	inbound map[Id][]bridgeEnvelope
	// device id -> wiki ids the device announced as open
	open map[Id]map[Id]bool
}

func NewBridgeHub() *BridgeHub {
	return &BridgeHub{
		wikiIds: map[string]Id{},
		inbound: map[Id][]bridgeEnvelope{},
		open:    map[Id]map[Id]bool{},
	}
}

// persists the identity for a wiki path so `LookupWikiId` can resolve it
func (self *BridgeHub) RegisterWiki(path string, wikiId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.wikiIds[path] = wikiId
}

// binds a device to the hub. the result is the device's `MessageBackend`
func (self *BridgeHub) Attach(deviceId Id) *BridgeDevice {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.inbound[deviceId]; !ok {
		self.inbound[deviceId] = []bridgeEnvelope{}
	}
	return &BridgeDevice{
		hub:      self,
		deviceId: deviceId,
	}
}

func (self *BridgeHub) Detach(deviceId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.inbound, deviceId)
	delete(self.open, deviceId)
}

// queues a message for one device, as the peer coordinator would.
// used to inject conflict notifications and requests
func (self *BridgeHub) Deliver(toDeviceId Id, wikiId Id, message Message) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.deliver(toDeviceId, wikiId, message)
}

func (self *BridgeHub) deliver(toDeviceId Id, wikiId Id, message Message) {
	if buffer, ok := self.inbound[toDeviceId]; ok {
		self.inbound[toDeviceId] = append(buffer, bridgeEnvelope{
			wikiId:  wikiId,
			message: message,
		})
	}
}

func (self *BridgeHub) broadcast(fromDeviceId Id, wikiId Id, message Message) {
	for deviceId := range self.inbound {
		if deviceId == fromDeviceId {
			continue
		}
		self.deliver(deviceId, wikiId, message)
	}
}

func (self *BridgeHub) DeviceIds() []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Keys(self.inbound)
}

// per-device backend handle

type BridgeDevice struct {
	hub      *BridgeHub
	deviceId Id
}

// BridgeBackend marker
func (self *BridgeDevice) DirectBridge() {
}

func (self *BridgeDevice) DeviceId() Id {
	return self.deviceId
}

func (self *BridgeDevice) LookupWikiId(path string) (Id, bool, error) {
	self.hub.stateLock.Lock()
	defer self.hub.stateLock.Unlock()

	wikiId, ok := self.hub.wikiIds[path]
	return wikiId, ok, nil
}

func (self *BridgeDevice) NotifyWikiOpened(wikiId Id, deviceId Id) error {
	self.hub.stateLock.Lock()
	defer self.hub.stateLock.Unlock()

	open, ok := self.hub.open[self.deviceId]
	if !ok {
		open = map[Id]bool{}
		self.hub.open[self.deviceId] = open
	}
	open[wikiId] = true
	return nil
}

func (self *BridgeDevice) SendChange(wikiId Id, title string, tiddlerJson string) error {
	self.hub.stateLock.Lock()
	defer self.hub.stateLock.Unlock()

	self.hub.broadcast(self.deviceId, wikiId, &ApplyChange{
		Title:       title,
		TiddlerJson: tiddlerJson,
	})
	return nil
}

func (self *BridgeDevice) SendDeletion(wikiId Id, title string) error {
	self.hub.stateLock.Lock()
	defer self.hub.stateLock.Unlock()

	self.hub.broadcast(self.deviceId, wikiId, &ApplyDeletion{
		Title: title,
	})
	return nil
}

// the receiver sees a dump batch as a run of apply-change messages
func (self *BridgeDevice) SendDump(wikiId Id, toDeviceId Id, items []DumpItem, isLast bool) error {
	self.hub.stateLock.Lock()
	defer self.hub.stateLock.Unlock()

	if _, ok := self.hub.inbound[toDeviceId]; !ok {
		return fmt.Errorf("no such device %s", toDeviceId)
	}
	for _, item := range items {
		self.hub.deliver(toDeviceId, wikiId, &ApplyChange{
			Title:       item.Title,
			TiddlerJson: item.TiddlerJson,
		})
	}
	return nil
}

func (self *BridgeDevice) SendFingerprints(wikiId Id, toDeviceId Id, fingerprints []Fingerprint) error {
	self.hub.stateLock.Lock()
	defer self.hub.stateLock.Unlock()

	if _, ok := self.hub.inbound[toDeviceId]; !ok {
		return fmt.Errorf("no such device %s", toDeviceId)
	}
	self.hub.deliver(toDeviceId, wikiId, &CompareFingerprints{
		FromDeviceId: self.deviceId,
		Fingerprints: fingerprints,
	})
	return nil
}

func (self *BridgeDevice) BroadcastFingerprints(wikiId Id, fingerprints []Fingerprint) error {
	self.hub.stateLock.Lock()
	defer self.hub.stateLock.Unlock()

	self.hub.broadcast(self.deviceId, wikiId, &CompareFingerprints{
		FromDeviceId: self.deviceId,
		Fingerprints: fingerprints,
	})
	return nil
}

func (self *BridgeDevice) BroadcastAttachment(wikiId Id, filename string) error {
	self.hub.stateLock.Lock()
	defer self.hub.stateLock.Unlock()

	self.hub.broadcast(self.deviceId, wikiId, &AttachmentReceived{
		Filename: filename,
	})
	return nil
}

// drains the device buffer.
// envelopes for other wikis are discarded, not requeued
func (self *BridgeDevice) PollInbound(wikiId Id) ([]Message, error) {
	self.hub.stateLock.Lock()
	defer self.hub.stateLock.Unlock()

	buffer, ok := self.hub.inbound[self.deviceId]
	if !ok {
		return nil, fmt.Errorf("device %s is detached", self.deviceId)
	}
	if len(buffer) == 0 {
		return nil, nil
	}
	self.hub.inbound[self.deviceId] = []bridgeEnvelope{}
	messages := []Message{}
	for _, envelope := range buffer {
		if envelope.wikiId != wikiId {
			continue
		}
		messages = append(messages, envelope.message)
	}
	return messages, nil
}
