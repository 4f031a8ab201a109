package wikisync

import (
	"sync"

	"golang.org/x/exp/maps"
)

type MemoryWikiStoreSettings struct {
	// deliver change notifications on their own goroutine.
	// turned off by tests that need deterministic delivery via `FlushChanges`
	NotifyAsync bool
}

func DefaultMemoryWikiStoreSettings() *MemoryWikiStoreSettings {
	return &MemoryWikiStoreSettings{
		NotifyAsync: true,
	}
}

// map backed `WikiStore`.
// stands in for the host content store in tests and the ctl demo
type MemoryWikiStore struct {
	settings *MemoryWikiStoreSettings

	stateLock       sync.Mutex
	tiddlers        map[string]TiddlerFields
	shadows         map[string]TiddlerFields
	config          map[string]string
	pendingChanges  map[string]TiddlerChange
	notifyScheduled bool
	putCount        int
	deleteCount     int
	saveCount       int

	changeListeners CallbackList[ChangeListener]
}

func NewMemoryWikiStore() *MemoryWikiStore {
	return NewMemoryWikiStoreWithSettings(DefaultMemoryWikiStoreSettings())
}

func NewMemoryWikiStoreWithSettings(settings *MemoryWikiStoreSettings) *MemoryWikiStore {
	return &MemoryWikiStore{
		settings:       settings,
		tiddlers:       map[string]TiddlerFields{},
		shadows:        map[string]TiddlerFields{},
		config:         map[string]string{},
		pendingChanges: map[string]TiddlerChange{},
	}
}

func (self *MemoryWikiStore) AllTitles() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Keys(self.tiddlers)
}

func (self *MemoryWikiStore) Get(title string) (TiddlerFields, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if fields, ok := self.tiddlers[title]; ok {
		return fields.Clone(), true
	}
	if fields, ok := self.shadows[title]; ok {
		return fields.Clone(), true
	}
	return nil, false
}

func (self *MemoryWikiStore) Exists(title string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.tiddlers[title]
	return ok
}

func (self *MemoryWikiStore) Put(title string, fields TiddlerFields) {
	self.stateLock.Lock()
	self.tiddlers[title] = fields.Clone()
	self.putCount += 1
	self.pendingChanges[title] = TiddlerChange{}
	self.stateLock.Unlock()

	self.scheduleNotify()
}

func (self *MemoryWikiStore) Delete(title string) {
	self.stateLock.Lock()
	if _, ok := self.tiddlers[title]; !ok {
		self.stateLock.Unlock()
		return
	}
	delete(self.tiddlers, title)
	self.deleteCount += 1
	self.pendingChanges[title] = TiddlerChange{
		Deleted: true,
	}
	self.stateLock.Unlock()

	self.scheduleNotify()
}

// a fallback definition that is not locally overridden.
// shadows never sync
func (self *MemoryWikiStore) PutShadow(title string, fields TiddlerFields) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.shadows[title] = fields.Clone()
}

func (self *MemoryWikiStore) GetConfigField(name string) string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.config[name]
}

func (self *MemoryWikiStore) SetConfigField(name string, value string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.config[name] = value
}

func (self *MemoryWikiStore) AddChangeListener(listener ChangeListener) int {
	return self.changeListeners.Add(listener)
}

func (self *MemoryWikiStore) RemoveChangeListener(listenerId int) {
	self.changeListeners.Remove(listenerId)
}

func (self *MemoryWikiStore) RequestSave() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.saveCount += 1
}

func (self *MemoryWikiStore) PutCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.putCount
}

func (self *MemoryWikiStore) SaveCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.saveCount
}

func (self *MemoryWikiStore) scheduleNotify() {
	self.stateLock.Lock()
	if !self.settings.NotifyAsync || self.notifyScheduled {
		self.stateLock.Unlock()
		return
	}
	self.notifyScheduled = true
	self.stateLock.Unlock()

	go self.FlushChanges()
}

// delivers all pending change notifications in one batch
func (self *MemoryWikiStore) FlushChanges() {
	self.stateLock.Lock()
	changes := self.pendingChanges
	self.pendingChanges = map[string]TiddlerChange{}
	self.notifyScheduled = false
	self.stateLock.Unlock()

	if len(changes) == 0 {
		return
	}
	for _, listener := range self.changeListeners.Get() {
		listener := listener
		callSafe("[store]", func() {
			listener(changes)
		})
	}
}
