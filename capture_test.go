package wikisync

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/jonboulle/clockwork"
)

func TestCaptureCoalesce(t *testing.T) {
	hub := NewBridgeHub()
	wikiId := NewId()
	clock := clockwork.NewFakeClock()
	a := newTestReplica(hub, wikiId, clock)
	b := newTestReplica(hub, wikiId, clock)
	defer a.session.Close()
	defer b.session.Close()
	a.attachCapture()

	// two local edits inside one debounce window
	a.store.Put("Note", TiddlerFields{
		"title":    "Note",
		"text":     "first",
		"modified": "20240301120000000",
	})
	a.store.FlushChanges()
	a.store.Put("Note", TiddlerFields{
		"title":    "Note",
		"text":     "second",
		"modified": "20240301120001000",
	})
	a.store.FlushChanges()
	a.flushOutbound()

	// one message, carrying only the final state
	messages, err := b.device.PollInbound(wikiId)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(messages), 1)
	change := messages[0].(*ApplyChange)
	assert.Equal(t, change.Title, "Note")
	fields, err := unmarshalTiddler(change.TiddlerJson)
	assert.Equal(t, err, nil)
	assert.Equal(t, fields["text"], "second")
}

func TestCaptureFlushTimer(t *testing.T) {
	hub := NewBridgeHub()
	wikiId := NewId()
	clock := clockwork.NewFakeClock()
	a := newTestReplica(hub, wikiId, clock)
	b := newTestReplica(hub, wikiId, clock)
	defer a.session.Close()
	defer b.session.Close()
	a.attachCapture()

	a.store.Put("Note", TiddlerFields{
		"title": "Note",
		"text":  "hello",
	})
	a.store.FlushChanges()

	// nothing sent before the debounce window elapses
	messages, err := b.device.PollInbound(wikiId)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(messages), 0)

	clock.Advance(a.session.settings.FlushDelay)
	waitFor(t, 5*time.Second, func() bool {
		messages, err := b.device.PollInbound(wikiId)
		return err == nil && len(messages) == 1
	})
}

func TestCaptureDeletion(t *testing.T) {
	hub := NewBridgeHub()
	wikiId := NewId()
	clock := clockwork.NewFakeClock()
	a := newTestReplica(hub, wikiId, clock)
	b := newTestReplica(hub, wikiId, clock)
	defer a.session.Close()
	defer b.session.Close()
	a.attachCapture()

	a.store.Put("Note", TiddlerFields{
		"title": "Note",
		"text":  "hello",
	})
	a.store.FlushChanges()
	a.flushOutbound()
	b.device.PollInbound(wikiId)

	a.store.Delete("Note")
	a.store.FlushChanges()
	a.flushOutbound()

	messages, err := b.device.PollInbound(wikiId)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(messages), 1)
	deletion := messages[0].(*ApplyDeletion)
	assert.Equal(t, deletion.Title, "Note")
}

func TestCaptureEditThenDeleteSendsDeletion(t *testing.T) {
	hub := NewBridgeHub()
	wikiId := NewId()
	clock := clockwork.NewFakeClock()
	a := newTestReplica(hub, wikiId, clock)
	b := newTestReplica(hub, wikiId, clock)
	defer a.session.Close()
	defer b.session.Close()
	a.attachCapture()

	// the deletion lands in the same window as the edit. later wins
	a.store.Put("Note", TiddlerFields{
		"title": "Note",
		"text":  "hello",
	})
	a.store.FlushChanges()
	a.store.Delete("Note")
	a.store.FlushChanges()
	a.flushOutbound()

	messages, err := b.device.PollInbound(wikiId)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(messages), 1)
	assert.Equal(t, messages[0].MessageType(), MessageTypeApplyDeletion)
}

func TestCaptureExclusions(t *testing.T) {
	hub := NewBridgeHub()
	wikiId := NewId()
	clock := clockwork.NewFakeClock()
	a := newTestReplica(hub, wikiId, clock)
	b := newTestReplica(hub, wikiId, clock)
	defer a.session.Close()
	defer b.session.Close()
	a.attachCapture()

	for _, title := range []string{
		"$:/state/tab-1",
		"$:/temp/scratch",
		"$:/StoryList",
		"Draft of 'Note'",
		"$:/conflicts/Note/20240301120000000",
	} {
		a.store.Put(title, TiddlerFields{
			"title": title,
		})
	}
	a.store.FlushChanges()
	a.flushOutbound()

	messages, err := b.device.PollInbound(wikiId)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(messages), 0)
}

func TestCaptureClearsSkippedOnLocalEdit(t *testing.T) {
	hub := NewBridgeHub()
	wikiId := NewId()
	clock := clockwork.NewFakeClock()
	a := newTestReplica(hub, wikiId, clock)
	defer a.session.Close()
	a.attachCapture()

	a.store.Put("Note", TiddlerFields{
		"title":    "Note",
		"text":     "hello",
		"modified": "20240301120000000",
	})
	a.store.FlushChanges()
	a.flushOutbound()

	a.session.applier.Receive([]Message{
		&ApplyChange{
			Title:       "Note",
			TiddlerJson: `{"title":"Note","text":"hello","modified":"20240301120000000"}`,
		},
	})
	a.flushApply()
	_, ok := a.session.skippedModified("Note")
	assert.Equal(t, ok, true)

	// a local edit supersedes the skipped remote value
	a.store.Put("Note", TiddlerFields{
		"title":    "Note",
		"text":     "edited",
		"modified": "20240301120002000",
	})
	a.store.FlushChanges()
	_, ok = a.session.skippedModified("Note")
	assert.Equal(t, ok, false)

	// the fingerprint reflects the store, not the stale skipped value
	fingerprints := a.session.reconciler.Fingerprints()
	assert.Equal(t, len(fingerprints), 1)
	assert.Equal(t, fingerprints[0].Modified, "20240301120002000")
}

func TestCaptureEchoSuppression(t *testing.T) {
	hub := NewBridgeHub()
	wikiId := NewId()
	clock := clockwork.NewFakeClock()
	a := newTestReplica(hub, wikiId, clock)
	b := newTestReplica(hub, wikiId, clock)
	defer a.session.Close()
	defer b.session.Close()
	a.attachCapture()

	// a remote change applies to the local store but must not echo back out
	a.session.applier.Receive([]Message{
		&ApplyChange{
			Title:       "Note",
			TiddlerJson: `{"title":"Note","text":"remote","modified":"20240301120000000"}`,
		},
	})
	a.flushApply()
	assert.Equal(t, a.store.Exists("Note"), true)

	a.store.FlushChanges()
	a.flushOutbound()
	messages, err := b.device.PollInbound(wikiId)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(messages), 0)

	// the suppression is one-shot. the next local edit of the title syncs
	a.store.Put("Note", TiddlerFields{
		"title":    "Note",
		"text":     "local",
		"modified": "20240301120001000",
	})
	a.store.FlushChanges()
	a.flushOutbound()
	messages, err = b.device.PollInbound(wikiId)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(messages), 1)
}
