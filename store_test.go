package wikisync

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestSyncableTitle(t *testing.T) {
	syncable := []string{
		"Note",
		"My Draft of things",
		"$:/plugins/acme/tool",
		"$:/tags/Macro",
	}
	for _, title := range syncable {
		assert.Equal(t, SyncableTitle(title), true)
	}

	excluded := []string{
		"$:/state/tab-123",
		"$:/temp/volatile",
		"$:/status/UserName",
		"$:/conflicts/Note/20240301120000000",
		"$:/config/wikisync/wiki-id",
		"Draft of 'Note'",
		"$:/StoryList",
		"$:/HistoryList",
		"$:/Import",
	}
	for _, title := range excluded {
		assert.Equal(t, SyncableTitle(title), false)
	}
}

func TestConflictTitle(t *testing.T) {
	assert.Equal(
		t,
		ConflictTitle("Note", "20240301120000123"),
		"$:/conflicts/Note/20240301120000123",
	)
	assert.Equal(t, SyncableTitle(ConflictTitle("Note", "20240301120000123")), false)
}

func TestStampFormat(t *testing.T) {
	stamp := formatStamp(time.Date(2024, 3, 1, 12, 30, 45, 123000000, time.UTC))
	assert.Equal(t, stamp, "20240301123045123")

	// non-utc input normalizes to utc
	est := time.FixedZone("EST", -5*3600)
	stamp = formatStamp(time.Date(2024, 3, 1, 7, 30, 45, 0, est))
	assert.Equal(t, stamp, "20240301123045000")
}

func TestStampNormalization(t *testing.T) {
	assert.Equal(t, normalizeStamp("20240301123045123"), "20240301123045123")
	assert.Equal(t, normalizeStamp("20240301123045"), "20240301123045000")
	assert.Equal(t, normalizeStamp("20240301"), "20240301000000000")
	assert.Equal(t, normalizeStamp("2024-03-01T12:30:45Z"), "20240301123045000")
	// unrecognized values pass through
	assert.Equal(t, normalizeStamp("yesterday"), "yesterday")
	assert.Equal(t, normalizeStamp(""), "")
}

func TestStampOrder(t *testing.T) {
	// lexicographic order of normalized stamps equals chronological order
	times := []time.Time{
		time.Date(1999, 12, 31, 23, 59, 59, 999000000, time.UTC),
		time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 2, 0, 0, 0, 1000000, time.UTC),
		time.Date(2024, 11, 30, 8, 15, 0, 0, time.UTC),
		time.Date(2030, 6, 1, 12, 0, 0, 500000000, time.UTC),
	}
	for i := 1; i < len(times); i += 1 {
		a := formatStamp(times[i-1])
		b := formatStamp(times[i])
		assert.Equal(t, a < b, true)
	}
}

func TestUnmarshalTiddler(t *testing.T) {
	fields, err := unmarshalTiddler(`{"title":"Note","count":7,"done":true,"note":null}`)
	assert.Equal(t, err, nil)
	assert.Equal(t, fields["title"], "Note")
	assert.Equal(t, fields["count"], "7")
	assert.Equal(t, fields["done"], "true")
	assert.Equal(t, fields["note"], "")

	_, err = unmarshalTiddler(`{"title":"Note","tags":["a","b"]}`)
	assert.NotEqual(t, err, nil)

	_, err = unmarshalTiddler(`not json`)
	assert.NotEqual(t, err, nil)
}

func TestFieldsDiffer(t *testing.T) {
	base := TiddlerFields{
		"title":    "Note",
		"text":     "hello",
		"modified": "20240301123045123",
		"created":  "20240201000000000",
	}

	// missing local always differs
	assert.Equal(t, fieldsDiffer(nil, base), true)

	// identical content does not differ
	assert.Equal(t, fieldsDiffer(base.Clone(), base), false)

	// equivalent date representations do not differ
	local := base.Clone()
	local["modified"] = "20240301123045123"
	incoming := base.Clone()
	incoming["created"] = "20240201"
	assert.Equal(t, fieldsDiffer(local, incoming), false)

	// modified mismatch differs
	incoming = base.Clone()
	incoming["modified"] = "20240301123045124"
	assert.Equal(t, fieldsDiffer(base, incoming), true)

	// text mismatch differs
	incoming = base.Clone()
	incoming["text"] = "goodbye"
	assert.Equal(t, fieldsDiffer(base, incoming), true)

	// incoming field absent locally differs
	incoming = base.Clone()
	incoming["tags"] = "urgent"
	assert.Equal(t, fieldsDiffer(base, incoming), true)

	// local extra field beyond created/modified differs
	local = base.Clone()
	local["tags"] = "urgent"
	assert.Equal(t, fieldsDiffer(local, base), true)
}

func TestMemoryStoreShadow(t *testing.T) {
	store := NewMemoryWikiStoreWithSettings(&MemoryWikiStoreSettings{})
	store.PutShadow("$:/core/ui/Button", TiddlerFields{
		"title": "$:/core/ui/Button",
		"text":  "shadow",
	})

	// a pure shadow resolves on read but does not exist and is not enumerated
	fields, ok := store.Get("$:/core/ui/Button")
	assert.Equal(t, ok, true)
	assert.Equal(t, fields["text"], "shadow")
	assert.Equal(t, store.Exists("$:/core/ui/Button"), false)
	assert.Equal(t, len(store.AllTitles()), 0)

	// an override shadows the shadow
	store.Put("$:/core/ui/Button", TiddlerFields{
		"title": "$:/core/ui/Button",
		"text":  "override",
	})
	fields, _ = store.Get("$:/core/ui/Button")
	assert.Equal(t, fields["text"], "override")
	assert.Equal(t, store.Exists("$:/core/ui/Button"), true)
}

func TestMemoryStoreConfig(t *testing.T) {
	store := NewMemoryWikiStoreWithSettings(&MemoryWikiStoreSettings{})
	assert.Equal(t, store.GetConfigField(ConfigFieldWikiId), "")
	wikiId := NewId()
	store.SetConfigField(ConfigFieldWikiId, wikiId.String())
	assert.Equal(t, store.GetConfigField(ConfigFieldWikiId), wikiId.String())
}
