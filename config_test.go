package wikisync

import (
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestWikiConfigRoundTrip(t *testing.T) {
	wikiPath := filepath.Join(t.TempDir(), "notes.html")

	wikiId := NewId()
	deviceId := NewId()
	config := &WikiConfig{
		WikiId:      wikiId.String(),
		DeviceId:    deviceId.String(),
		BackendUrl:  "ws://localhost:8338/sync",
		DeviceToken: "token",
		FilesDir:    "files",
	}
	err := config.Save(wikiPath)
	assert.Equal(t, err, nil)

	loaded, err := LoadWikiConfig(wikiPath)
	assert.Equal(t, err, nil)
	assert.Equal(t, loaded, config)

	parsedWikiId, err := loaded.ParsedWikiId()
	assert.Equal(t, err, nil)
	assert.Equal(t, parsedWikiId, wikiId)

	parsedDeviceId, err := loaded.ParsedDeviceId()
	assert.Equal(t, err, nil)
	assert.Equal(t, parsedDeviceId, deviceId)
}

func TestWikiConfigMissing(t *testing.T) {
	_, err := LoadWikiConfig(filepath.Join(t.TempDir(), "absent.html"))
	assert.NotEqual(t, err, nil)
}

func TestWikiConfigBadIds(t *testing.T) {
	config := &WikiConfig{}
	_, err := config.ParsedWikiId()
	assert.NotEqual(t, err, nil)
	_, err = config.ParsedDeviceId()
	assert.NotEqual(t, err, nil)

	config = &WikiConfig{
		WikiId:   "not-an-id",
		DeviceId: "not-an-id",
	}
	_, err = config.ParsedWikiId()
	assert.NotEqual(t, err, nil)
	_, err = config.ParsedDeviceId()
	assert.NotEqual(t, err, nil)
}
