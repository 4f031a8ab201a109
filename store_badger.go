package wikisync

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/golang/glog"
)

const (
	badgerTiddlerPrefix = "tiddler/"
	badgerConfigPrefix  = "config/"
)

// persistent `WikiStore` for standalone replicas.
// badger is the durability layer, so `RequestSave` only syncs the value log
type BadgerWikiStore struct {
	db *badger.DB

	stateLock       sync.Mutex
	pendingChanges  map[string]TiddlerChange
	notifyScheduled bool

	changeListeners CallbackList[ChangeListener]
}

func NewBadgerWikiStore(dir string) (*BadgerWikiStore, error) {
	options := badger.DefaultOptions(dir)
	options.Logger = nil

	db, err := badger.Open(options)
	if err != nil {
		return nil, err
	}
	return &BadgerWikiStore{
		db:             db,
		pendingChanges: map[string]TiddlerChange{},
	}, nil
}

func (self *BadgerWikiStore) Close() error {
	return self.db.Close()
}

func (self *BadgerWikiStore) AllTitles() []string {
	titles := []string{}
	err := self.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.PrefetchValues = false
		it := txn.NewIterator(options)
		defer it.Close()

		prefix := []byte(badgerTiddlerPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			titles = append(titles, strings.TrimPrefix(string(it.Item().Key()), badgerTiddlerPrefix))
		}
		return nil
	})
	if err != nil {
		glog.Infof("[bs]list error = %s\n", err)
	}
	return titles
}

func (self *BadgerWikiStore) Get(title string) (TiddlerFields, bool) {
	var fields TiddlerFields
	err := self.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerTiddlerPrefix + title))
		if err != nil {
			return err
		}
		return item.Value(func(value []byte) error {
			return json.Unmarshal(value, &fields)
		})
	})
	if err != nil {
		return nil, false
	}
	return fields, true
}

func (self *BadgerWikiStore) Exists(title string) bool {
	err := self.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(badgerTiddlerPrefix + title))
		return err
	})
	return err == nil
}

func (self *BadgerWikiStore) Put(title string, fields TiddlerFields) {
	value, err := json.Marshal(fields)
	if err != nil {
		glog.Infof("[bs]put %s error = %s\n", title, err)
		return
	}
	err = self.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerTiddlerPrefix+title), value)
	})
	if err != nil {
		glog.Infof("[bs]put %s error = %s\n", title, err)
		return
	}
	self.noteChange(title, TiddlerChange{})
}

func (self *BadgerWikiStore) Delete(title string) {
	if !self.Exists(title) {
		return
	}
	err := self.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(badgerTiddlerPrefix + title))
	})
	if err != nil {
		glog.Infof("[bs]delete %s error = %s\n", title, err)
		return
	}
	self.noteChange(title, TiddlerChange{
		Deleted: true,
	})
}

func (self *BadgerWikiStore) GetConfigField(name string) string {
	var value string
	self.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerConfigPrefix + name))
		if err != nil {
			return err
		}
		return item.Value(func(b []byte) error {
			value = string(b)
			return nil
		})
	})
	return value
}

func (self *BadgerWikiStore) SetConfigField(name string, value string) {
	err := self.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerConfigPrefix+name), []byte(value))
	})
	if err != nil {
		glog.Infof("[bs]set config %s error = %s\n", name, err)
	}
}

func (self *BadgerWikiStore) AddChangeListener(listener ChangeListener) int {
	return self.changeListeners.Add(listener)
}

func (self *BadgerWikiStore) RemoveChangeListener(listenerId int) {
	self.changeListeners.Remove(listenerId)
}

func (self *BadgerWikiStore) RequestSave() {
	if err := self.db.Sync(); err != nil {
		glog.Infof("[bs]sync error = %s\n", err)
	}
}

func (self *BadgerWikiStore) noteChange(title string, change TiddlerChange) {
	self.stateLock.Lock()
	self.pendingChanges[title] = change
	scheduled := self.notifyScheduled
	self.notifyScheduled = true
	self.stateLock.Unlock()

	if !scheduled {
		go self.flushChanges()
	}
}

func (self *BadgerWikiStore) flushChanges() {
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
		callSafe("[bs]", func() {
			listener(changes)
		})
	}
}
