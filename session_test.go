package wikisync

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/jonboulle/clockwork"
)

func newTestManager(hub *BridgeHub) (*SyncManager, *BridgeDevice) {
	deviceId := NewId()
	device := hub.Attach(deviceId)
	settings := DefaultReplicaSessionSettings()
	settings.Clock = clockwork.NewFakeClock()
	return NewSyncManager(context.Background(), deviceId, device, settings), device
}

func TestManagerActivate(t *testing.T) {
	hub := NewBridgeHub()
	wikiId := NewId()
	hub.RegisterWiki("/wikis/a.html", wikiId)

	manager, _ := newTestManager(hub)
	defer manager.Close()

	store := NewMemoryWikiStoreWithSettings(&MemoryWikiStoreSettings{})
	session := manager.Activate("/wikis/a.html", store)
	assert.NotEqual(t, session, nil)
	assert.Equal(t, session.WikiId(), wikiId)
	assert.Equal(t, manager.Session() == session, true)

	// activating the identity already active is a no-op
	again := manager.Activate("/wikis/a.html", store)
	assert.Equal(t, again == session, true)

	manager.Deactivate()
	if manager.Session() != nil {
		t.Fatal("session after deactivate")
	}
	// deactivating twice is a no-op
	manager.Deactivate()
}

func TestManagerActivateWithoutIdentity(t *testing.T) {
	hub := NewBridgeHub()
	manager, _ := newTestManager(hub)
	defer manager.Close()

	store := NewMemoryWikiStoreWithSettings(&MemoryWikiStoreSettings{})

	// an unregistered path has no identity, activation aborts silently
	session := manager.Activate("/wikis/unknown.html", store)
	if session != nil {
		t.Fatal("session without identity")
	}

	session = manager.Activate("", store)
	if session != nil {
		t.Fatal("session for empty path")
	}
}

func TestManagerIdentitySwitch(t *testing.T) {
	hub := NewBridgeHub()
	wikiIdA := NewId()
	wikiIdB := NewId()
	hub.RegisterWiki("/wikis/a.html", wikiIdA)
	hub.RegisterWiki("/wikis/b.html", wikiIdB)

	manager, _ := newTestManager(hub)
	defer manager.Close()

	storeA := NewMemoryWikiStoreWithSettings(&MemoryWikiStoreSettings{})
	storeB := NewMemoryWikiStoreWithSettings(&MemoryWikiStoreSettings{})

	sessionA := manager.Activate("/wikis/a.html", storeA)
	assert.NotEqual(t, sessionA, nil)

	// a different identity deactivates the previous session first
	sessionB := manager.Activate("/wikis/b.html", storeB)
	assert.NotEqual(t, sessionB, nil)
	assert.Equal(t, sessionA == sessionB, false)
	assert.Equal(t, manager.Session().WikiId(), wikiIdB)
}

func TestSessionCloseIdempotent(t *testing.T) {
	hub := NewBridgeHub()
	wikiId := NewId()
	clock := clockwork.NewFakeClock()
	a := newTestReplica(hub, wikiId, clock)

	a.session.Close()
	a.session.Close()
	assert.Equal(t, a.session.transport.Dead(), false)
}

func TestSessionCloseWithoutStartKeepsListeners(t *testing.T) {
	hub := NewBridgeHub()
	wikiId := NewId()
	clock := clockwork.NewFakeClock()
	a := newTestReplica(hub, wikiId, clock)

	// another party's listener happens to hold the first id
	notified := false
	a.store.AddChangeListener(func(changes map[string]TiddlerChange) {
		notified = true
	})

	// closing a session that never started must not detach it
	a.session.Close()

	a.store.Put("Note", TiddlerFields{
		"title": "Note",
	})
	a.store.FlushChanges()
	assert.Equal(t, notified, true)
}

func TestSessionStartAnnounces(t *testing.T) {
	hub := NewBridgeHub()
	wikiId := NewId()
	hub.RegisterWiki("/wikis/a.html", wikiId)

	manager, device := newTestManager(hub)
	defer manager.Close()

	other := hub.Attach(NewId())

	store := NewMemoryWikiStoreWithSettings(&MemoryWikiStoreSettings{})
	store.Put("Note", TiddlerFields{
		"title":    "Note",
		"modified": "20240301120000000",
	})
	session := manager.Activate("/wikis/a.html", store)
	assert.NotEqual(t, session, nil)
	assert.Equal(t, session.DeviceId(), device.DeviceId())

	// activation broadcasts the fingerprint set as first-contact catch-up
	messages, err := other.PollInbound(wikiId)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(messages), 1)
	compare := messages[0].(*CompareFingerprints)
	assert.Equal(t, compare.FromDeviceId, device.DeviceId())
	assert.Equal(t, len(compare.Fingerprints), 1)
	assert.Equal(t, compare.Fingerprints[0].Title, "Note")
}

func TestBridgeWikiFiltering(t *testing.T) {
	hub := NewBridgeHub()
	wikiId := NewId()
	otherWikiId := NewId()
	deviceId := NewId()
	device := hub.Attach(deviceId)

	hub.Deliver(deviceId, otherWikiId, &ApplyChange{
		Title:       "Other",
		TiddlerJson: `{"title":"Other"}`,
	})
	hub.Deliver(deviceId, wikiId, &ApplyChange{
		Title:       "Mine",
		TiddlerJson: `{"title":"Mine"}`,
	})

	// envelopes for other wikis are discarded, not requeued
	messages, err := device.PollInbound(wikiId)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(messages), 1)
	assert.Equal(t, messages[0].(*ApplyChange).Title, "Mine")

	messages, err = device.PollInbound(wikiId)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(messages), 0)
}

func TestBridgeDetach(t *testing.T) {
	hub := NewBridgeHub()
	wikiId := NewId()
	deviceId := NewId()
	device := hub.Attach(deviceId)

	_, err := device.PollInbound(wikiId)
	assert.Equal(t, err, nil)

	hub.Detach(deviceId)
	_, err = device.PollInbound(wikiId)
	assert.NotEqual(t, err, nil)
}

func TestBridgeBroadcastSkipsSender(t *testing.T) {
	hub := NewBridgeHub()
	wikiId := NewId()
	a := hub.Attach(NewId())
	b := hub.Attach(NewId())

	err := a.SendChange(wikiId, "Note", `{"title":"Note"}`)
	assert.Equal(t, err, nil)

	messages, err := a.PollInbound(wikiId)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(messages), 0)

	messages, err = b.PollInbound(wikiId)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(messages), 1)
}
