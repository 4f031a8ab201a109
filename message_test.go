package wikisync

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestMessageCodec(t *testing.T) {
	wikiId := NewId()
	peerId := NewId()
	selfId := NewId()

	messages := []Message{
		&ApplyChange{
			Title:       "Note",
			TiddlerJson: `{"title":"Note","text":"hello"}`,
		},
		&ApplyDeletion{
			Title: "Note",
		},
		&Conflict{
			Title:       "Note",
			TiddlerJson: `{"title":"Note","text":"theirs"}`,
		},
		&DumpTiddlers{
			ToDeviceId:   selfId,
			FromDeviceId: peerId,
		},
		&SendFingerprints{
			ToDeviceId:   selfId,
			FromDeviceId: peerId,
		},
		&CompareFingerprints{
			FromDeviceId: peerId,
			Fingerprints: []Fingerprint{
				{Title: "Note", Modified: "20240301120000000"},
			},
		},
		&AttachmentReceived{
			Filename: "photo.png",
		},
	}

	for _, message := range messages {
		b, err := EncodeMessage(wikiId, message)
		assert.Equal(t, err, nil)

		decoded, err := DecodeMessage(wikiId, b)
		assert.Equal(t, err, nil)
		assert.Equal(t, decoded.MessageType(), message.MessageType())
		assert.Equal(t, decoded, message)
	}
}

func TestMessageWireShape(t *testing.T) {
	wikiId := NewId()
	b, err := EncodeMessage(wikiId, &ApplyChange{
		Title:       "Note",
		TiddlerJson: `{"title":"Note"}`,
	})
	assert.Equal(t, err, nil)

	raw := map[string]any{}
	err = json.Unmarshal(b, &raw)
	assert.Equal(t, err, nil)
	assert.Equal(t, raw["type"], "apply-change")
	assert.Equal(t, raw["wiki_id"], wikiId.String())
	assert.Equal(t, raw["title"], "Note")
	assert.Equal(t, raw["tiddler_json"], `{"title":"Note"}`)
}

func TestMessageWikiMismatch(t *testing.T) {
	wikiId := NewId()
	otherWikiId := NewId()

	b, err := EncodeMessage(wikiId, &ApplyDeletion{
		Title: "Note",
	})
	assert.Equal(t, err, nil)

	_, err = DecodeMessage(otherWikiId, b)
	assert.Equal(t, errors.Is(err, ErrWikiMismatch), true)
}

func TestMessageUnknownType(t *testing.T) {
	wikiId := NewId()
	b, err := json.Marshal(map[string]any{
		"type":    "self-destruct",
		"wiki_id": wikiId.String(),
	})
	assert.Equal(t, err, nil)

	_, err = DecodeMessage(wikiId, b)
	assert.NotEqual(t, err, nil)
}
