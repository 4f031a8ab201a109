package wikisync

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/jonboulle/clockwork"

	"golang.org/x/exp/maps"
)

type ReplicaSessionSettings struct {
	// outbound debounce window
	FlushDelay time.Duration
	// inbound batch coalescing window
	ApplyDelay time.Duration
	// debounce for the standalone-file save request
	SaveDelay time.Duration
	// how long a materialized conflict stays suppressed
	ConflictSettleDelay time.Duration
	// anti-entropy safety net
	FingerprintBroadcastInterval time.Duration
	// serialized payload bound per dump batch
	MaxBatchByteCount ByteCount
	// pause between successive dump batches
	BatchPacingDelay time.Duration
	// per-filename debounce of the attachment watcher
	AttachmentDebounce time.Duration

	PollSettings *PollTransportSettings

	// rendered media elements to refresh on attachment changes. may be nil
	MediaScanner MediaScanner

	Clock clockwork.Clock
}

func DefaultReplicaSessionSettings() *ReplicaSessionSettings {
	return &ReplicaSessionSettings{
		FlushDelay:                   50 * time.Millisecond,
		ApplyDelay:                   50 * time.Millisecond,
		SaveDelay:                    1 * time.Second,
		ConflictSettleDelay:          500 * time.Millisecond,
		FingerprintBroadcastInterval: 5 * time.Second,
		MaxBatchByteCount:            ByteCount(500000),
		BatchPacingDelay:             100 * time.Millisecond,
		AttachmentDebounce:           200 * time.Millisecond,
		PollSettings:                 DefaultPollTransportSettings(),
		Clock:                        clockwork.NewRealClock(),
	}
}

// one active synchronization context per open replica.
// owns every timer and listener of the session, all torn down by `Close`
type ReplicaSession struct {
	ctx    context.Context
	cancel context.CancelFunc

	wikiId   Id
	deviceId Id
	wikiPath string

	store    WikiStore
	backend  MessageBackend
	clock    clockwork.Clock
	settings *ReplicaSessionSettings

	transport Transport

	capture     *changeCapture
	applier     *inboundApplier
	reconciler  *fingerprintReconciler
	attachments *attachmentNotifier

	// -1 until `start` installs the listener
	changeListenerId int

	stateLock sync.Mutex
	// titles currently being applied from a remote source. entries are one-shot
	applyingRemote map[string]bool
	// titles currently materializing a conflict record
	conflictPending map[string]bool
	// incoming modified values of identical tiddlers that were skipped,
	// so they are still represented in this replica's fingerprints
	knownSkipped map[string]string
	settleTimers []clockwork.Timer

	closeOnce sync.Once
}

func NewReplicaSession(
	ctx context.Context,
	wikiId Id,
	deviceId Id,
	wikiPath string,
	store WikiStore,
	backend MessageBackend,
	settings *ReplicaSessionSettings,
) *ReplicaSession {
	cancelCtx, cancel := context.WithCancel(ctx)
	session := &ReplicaSession{
		ctx:             cancelCtx,
		cancel:          cancel,
		wikiId:          wikiId,
		deviceId:        deviceId,
		wikiPath:        wikiPath,
		store:           store,
		backend:         backend,
		clock:           settings.Clock,
		settings:        settings,
		applyingRemote:   map[string]bool{},
		conflictPending:  map[string]bool{},
		knownSkipped:     map[string]string{},
		changeListenerId: -1,
	}

	// the channel implementation is chosen once here, never re-examined
	if bridgeBackend, ok := backend.(BridgeBackend); ok {
		session.transport = NewBridgeTransport(cancelCtx, settings.Clock, bridgeBackend, wikiId, settings.PollSettings)
	} else {
		session.transport = NewQueuePollTransport(cancelCtx, settings.Clock, backend, wikiId, settings.PollSettings)
	}

	session.capture = newChangeCapture(session)
	session.applier = newInboundApplier(session)
	session.reconciler = newFingerprintReconciler(session)
	session.attachments = newAttachmentNotifier(session, settings.MediaScanner)

	return session
}

func (self *ReplicaSession) WikiId() Id {
	return self.wikiId
}

func (self *ReplicaSession) DeviceId() Id {
	return self.deviceId
}

func (self *ReplicaSession) start() {
	self.changeListenerId = self.store.AddChangeListener(self.capture.HandleChanges)
	self.transport.Start(self.applier.Receive)

	if err := self.backend.NotifyWikiOpened(self.wikiId, self.deviceId); err != nil {
		glog.Infof("[s]%s notify open error = %s\n", self.wikiId, err)
	}

	// fast first-contact catch-up, independent of the periodic timer
	self.reconciler.Broadcast()
	go self.reconciler.runPeriodic()

	glog.V(1).Infof("[s]%s active on device %s\n", self.wikiId, self.deviceId)
}

// idempotent. cancels every timer and detaches every listener
func (self *ReplicaSession) Close() {
	self.closeOnce.Do(func() {
		self.cancel()
		if 0 <= self.changeListenerId {
			self.store.RemoveChangeListener(self.changeListenerId)
		}
		self.capture.stop()
		self.applier.stop()
		self.transport.Close()

		self.stateLock.Lock()
		for _, timer := range self.settleTimers {
			timer.Stop()
		}
		self.settleTimers = nil
		maps.Clear(self.applyingRemote)
		maps.Clear(self.conflictPending)
		self.stateLock.Unlock()

		glog.V(1).Infof("[s]%s closed\n", self.wikiId)
	})
}

// echo suppression.
// an entry must be added before the store mutation that will
// trigger the change notification

func (self *ReplicaSession) markApplyingRemote(title string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.applyingRemote[title] = true
}

// one-shot: returns whether the title was suppressed and consumes the entry
func (self *ReplicaSession) consumeApplyingRemote(title string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.applyingRemote[title] {
		delete(self.applyingRemote, title)
		return true
	}
	return false
}

// suppresses the given titles while a conflict record materializes,
// releasing them after the settle delay so the one propagation
// cycle it causes is not itself re-conflicted
func (self *ReplicaSession) markConflictPending(titles ...string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, title := range titles {
		self.conflictPending[title] = true
	}
	timer := self.clock.AfterFunc(self.settings.ConflictSettleDelay, func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for _, title := range titles {
			delete(self.conflictPending, title)
		}
	})
	self.settleTimers = append(self.settleTimers, timer)
}

func (self *ReplicaSession) isConflictPending(title string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.conflictPending[title]
}

func (self *ReplicaSession) noteSkipped(title string, modified string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.knownSkipped[title] = modified
}

// any local or remote write/delete of the title supersedes a skipped value.
// a stale entry would keep the title in this replica's fingerprints after a
// deletion and mask the divergence from anti-entropy repair
func (self *ReplicaSession) clearSkipped(title string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.knownSkipped, title)
}

func (self *ReplicaSession) skippedModified(title string) (string, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	modified, ok := self.knownSkipped[title]
	return modified, ok
}

func (self *ReplicaSession) skippedSnapshot() map[string]string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	snapshot := map[string]string{}
	for title, modified := range self.knownSkipped {
		snapshot[title] = modified
	}
	return snapshot
}

// owns at most one active session.
// activating a new identity implicitly deactivates the previous one
type SyncManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	deviceId Id
	backend  MessageBackend
	settings *ReplicaSessionSettings

	stateLock sync.Mutex
	session   *ReplicaSession
}

func NewSyncManagerWithDefaults(ctx context.Context, deviceId Id, backend MessageBackend) *SyncManager {
	return NewSyncManager(ctx, deviceId, backend, DefaultReplicaSessionSettings())
}

func NewSyncManager(ctx context.Context, deviceId Id, backend MessageBackend, settings *ReplicaSessionSettings) *SyncManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SyncManager{
		ctx:      cancelCtx,
		cancel:   cancel,
		deviceId: deviceId,
		backend:  backend,
		settings: settings,
	}
}

// resolves the replica identity for the path and starts a session for it.
// a missing path or identity aborts silently with no session.
// activating the identity already active is a no-op
func (self *SyncManager) Activate(wikiPath string, store WikiStore) *ReplicaSession {
	if wikiPath == "" {
		glog.V(1).Infof("[m]activate with empty path\n")
		return nil
	}
	wikiId, ok, err := self.backend.LookupWikiId(wikiPath)
	if err != nil || !ok {
		glog.V(1).Infof("[m]no identity for %s (err = %v)\n", wikiPath, err)
		return nil
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.session != nil {
		if self.session.wikiId == wikiId {
			return self.session
		}
		self.session.Close()
		self.session = nil
	}

	session := NewReplicaSession(self.ctx, wikiId, self.deviceId, wikiPath, store, self.backend, self.settings)
	session.start()
	self.session = session
	return session
}

// idempotent. tearing down an already-inactive manager is a no-op
func (self *SyncManager) Deactivate() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.session != nil {
		self.session.Close()
		self.session = nil
	}
}

func (self *SyncManager) Session() *ReplicaSession {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.session
}

func (self *SyncManager) Close() {
	self.Deactivate()
	self.cancel()
}
