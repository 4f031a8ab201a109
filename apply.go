package wikisync

import (
	"sync"

	"github.com/golang/glog"
	"github.com/jonboulle/clockwork"
)

// queues inbound mutations and applies them in coalesced batches.
// the host store's change-notification delivery is asynchronous, so applying
// one message at a time would cause redundant or dropped notifications
// under write storms.
// requests and out-of-band notifications are dispatched synchronously on
// receipt instead of being queued
type inboundApplier struct {
	session *ReplicaSession

	stateLock  sync.Mutex
	queue      []Message
	applyTimer clockwork.Timer
	saveTimer  clockwork.Timer
	stopped    bool
}

func newInboundApplier(session *ReplicaSession) *inboundApplier {
	return &inboundApplier{
		session: session,
	}
}

// the transport's `ReceiveFunction`
func (self *inboundApplier) Receive(messages []Message) {
	session := self.session
	for _, message := range messages {
		switch v := message.(type) {
		case *DumpTiddlers:
			if (v.ToDeviceId != Id{}) && v.ToDeviceId != session.deviceId {
				continue
			}
			session.reconciler.HandleDumpRequest(v.FromDeviceId)
		case *SendFingerprints:
			if (v.ToDeviceId != Id{}) && v.ToDeviceId != session.deviceId {
				continue
			}
			session.reconciler.HandleFingerprintRequest(v.FromDeviceId)
		case *CompareFingerprints:
			session.reconciler.HandleCompare(v.FromDeviceId, v.Fingerprints)
		case *AttachmentReceived:
			session.attachments.HandleAttachment(v.Filename)
		default:
			self.enqueue(message)
		}
	}
}

func (self *inboundApplier) enqueue(message Message) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.stopped {
		return
	}
	self.queue = append(self.queue, message)
	if self.applyTimer == nil {
		self.applyTimer = self.session.clock.AfterFunc(self.session.settings.ApplyDelay, self.flush)
	}
}

func (self *inboundApplier) flush() {
	self.stateLock.Lock()
	queue := self.queue
	self.queue = nil
	self.applyTimer = nil
	self.stateLock.Unlock()

	// all batched changes are applied before the save decision is evaluated once
	mutated := false
	for _, message := range queue {
		switch v := message.(type) {
		case *ApplyChange:
			if self.applyChange(v) {
				mutated = true
			}
		case *ApplyDeletion:
			if self.applyDeletion(v) {
				mutated = true
			}
		case *Conflict:
			if self.applyConflict(v) {
				mutated = true
			}
		default:
			glog.Infof("[app]%s unexpected queued message %s\n", self.session.wikiId, message.MessageType())
		}
	}
	if mutated {
		self.scheduleSave()
	}
}

func (self *inboundApplier) applyChange(message *ApplyChange) bool {
	session := self.session
	title := message.Title
	if !SyncableTitle(title) {
		return false
	}

	fields, err := unmarshalTiddler(message.TiddlerJson)
	if err != nil {
		// isolated to this message, the rest of the batch continues
		glog.Infof("[app]%s parse %s error = %s\n", session.wikiId, title, err)
		return false
	}

	// a pure shadow is treated the same as a nonexistent tiddler
	var local TiddlerFields
	if session.store.Exists(title) {
		local, _ = session.store.Get(title)
	}
	if !fieldsDiffer(local, fields) {
		// remember the incoming modified value so the sending peer
		// learns convergence happened and stops re-sending
		session.noteSkipped(title, fields[FieldModified])
		glog.V(2).Infof("[app]%s<- %s identical\n", session.wikiId, title)
		return false
	}

	session.clearSkipped(title)
	session.markApplyingRemote(title)
	session.store.Put(title, fields)
	glog.V(2).Infof("[app]%s<- %s\n", session.wikiId, title)
	return true
}

func (self *inboundApplier) applyDeletion(message *ApplyDeletion) bool {
	session := self.session
	title := message.Title
	if !SyncableTitle(title) {
		return false
	}
	session.clearSkipped(title)
	if !session.store.Exists(title) {
		return false
	}

	session.markApplyingRemote(title)
	session.store.Delete(title)
	glog.V(2).Infof("[app]%s<- delete %s\n", session.wikiId, title)
	return true
}

// preserves the current local tiddler as a conflict record before the
// concurrent remote edit wins. the record carries the original title,
// a creation stamp, and a provenance tag, and never syncs under its own identity
func (self *inboundApplier) applyConflict(message *Conflict) bool {
	session := self.session
	title := message.Title
	if !SyncableTitle(title) {
		return false
	}
	if !session.store.Exists(title) {
		// nothing local to preserve
		return false
	}
	local, ok := session.store.Get(title)
	if !ok {
		return false
	}

	stamp := formatStamp(session.clock.Now())
	conflictTitle := ConflictTitle(title, stamp)

	record := local.Clone()
	record[FieldTitle] = conflictTitle
	record[FieldOriginalTitle] = title
	record[FieldConflictTimestamp] = stamp
	record[FieldProvenance] = ProvenanceRemote

	session.markConflictPending(title, conflictTitle)
	session.store.Put(conflictTitle, record)
	glog.V(1).Infof("[app]%s conflict %s -> %s\n", session.wikiId, title, conflictTitle)
	return true
}

func (self *inboundApplier) scheduleSave() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.stopped || self.saveTimer != nil {
		return
	}
	self.saveTimer = self.session.clock.AfterFunc(self.session.settings.SaveDelay, func() {
		self.stateLock.Lock()
		self.saveTimer = nil
		self.stateLock.Unlock()

		self.session.store.RequestSave()
	})
}

func (self *inboundApplier) stop() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.stopped = true
	if self.applyTimer != nil {
		self.applyTimer.Stop()
		self.applyTimer = nil
	}
	if self.saveTimer != nil {
		self.saveTimer.Stop()
		self.saveTimer = nil
	}
	self.queue = nil
}
