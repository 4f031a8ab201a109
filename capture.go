package wikisync

import (
	"sync"

	"github.com/golang/glog"
	"github.com/jonboulle/clockwork"
)

type pendingTiddler struct {
	deleted     bool
	tiddlerJson string
}

// subscribes to the host store's change notifications and batches
// local edits into debounced outbound messages.
// later edits to the same title overwrite earlier ones, so one flush
// carries only the final state of each title
type changeCapture struct {
	session *ReplicaSession

	stateLock  sync.Mutex
	pending    map[string]*pendingTiddler
	flushTimer clockwork.Timer
	stopped    bool
}

func newChangeCapture(session *ReplicaSession) *changeCapture {
	return &changeCapture{
		session: session,
		pending: map[string]*pendingTiddler{},
	}
}

// the store's `ChangeListener`
func (self *changeCapture) HandleChanges(changes map[string]TiddlerChange) {
	session := self.session
	for title, change := range changes {
		// a change that was just applied from a remote source must not echo back
		if session.consumeApplyingRemote(title) {
			glog.V(2).Infof("[cap]%s suppress remote %s\n", session.wikiId, title)
			continue
		}
		if session.isConflictPending(title) {
			glog.V(2).Infof("[cap]%s suppress conflict %s\n", session.wikiId, title)
			continue
		}
		if !SyncableTitle(title) {
			continue
		}
		// the local state now supersedes whatever remote value was skipped
		session.clearSkipped(title)

		entry := &pendingTiddler{
			deleted: change.Deleted,
		}
		if !change.Deleted {
			fields, ok := session.store.Get(title)
			if !ok {
				continue
			}
			tiddlerJson, err := marshalTiddler(fields)
			if err != nil {
				glog.Infof("[cap]%s serialize %s error = %s\n", session.wikiId, title, err)
				continue
			}
			entry.tiddlerJson = tiddlerJson
		}

		self.stateLock.Lock()
		if !self.stopped {
			self.pending[title] = entry
		}
		self.stateLock.Unlock()
	}

	self.scheduleFlush()
}

func (self *changeCapture) scheduleFlush() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.stopped || self.flushTimer != nil || len(self.pending) == 0 {
		return
	}
	self.flushTimer = self.session.clock.AfterFunc(self.session.settings.FlushDelay, self.flush)
}

func (self *changeCapture) flush() {
	self.stateLock.Lock()
	pending := self.pending
	self.pending = map[string]*pendingTiddler{}
	self.flushTimer = nil
	self.stateLock.Unlock()

	session := self.session
	for title, entry := range pending {
		if entry.deleted {
			session.transport.Send(&ApplyDeletion{
				Title: title,
			}, nil)
		} else {
			session.transport.Send(&ApplyChange{
				Title:       title,
				TiddlerJson: entry.tiddlerJson,
			}, nil)
		}
		glog.V(2).Infof("[cap]%s-> %s deleted=%t\n", session.wikiId, title, entry.deleted)
	}
}

func (self *changeCapture) stop() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.stopped = true
	if self.flushTimer != nil {
		self.flushTimer.Stop()
		self.flushTimer = nil
	}
	self.pending = map[string]*pendingTiddler{}
}
