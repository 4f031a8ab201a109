package wikisync

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// config tiddler fields inside the `$:/config/wikisync/` namespace
const (
	ConfigFieldWikiId   = "wiki-id"
	ConfigFieldDeviceId = "device-id"
)

// persisted per-replica configuration, stored in a yaml sidecar
// next to the wiki file
type WikiConfig struct {
	WikiId      string `yaml:"wiki_id"`
	DeviceId    string `yaml:"device_id"`
	BackendUrl  string `yaml:"backend_url,omitempty"`
	DeviceToken string `yaml:"device_token,omitempty"`
	FilesDir    string `yaml:"files_dir,omitempty"`
}

func ConfigPath(wikiPath string) string {
	return wikiPath + ".sync.yaml"
}

func LoadWikiConfig(wikiPath string) (*WikiConfig, error) {
	b, err := os.ReadFile(ConfigPath(wikiPath))
	if err != nil {
		return nil, err
	}
	config := &WikiConfig{}
	if err := yaml.Unmarshal(b, config); err != nil {
		return nil, err
	}
	return config, nil
}

func (self *WikiConfig) Save(wikiPath string) error {
	b, err := yaml.Marshal(self)
	if err != nil {
		return err
	}
	return os.WriteFile(ConfigPath(wikiPath), b, 0644)
}

func (self *WikiConfig) ParsedWikiId() (Id, error) {
	if self.WikiId == "" {
		return Id{}, errors.New("config has no wiki_id")
	}
	wikiId, err := ParseId(self.WikiId)
	if err != nil {
		return Id{}, fmt.Errorf("bad wiki_id: %w", err)
	}
	return wikiId, nil
}

func (self *WikiConfig) ParsedDeviceId() (Id, error) {
	if self.DeviceId == "" {
		return Id{}, errors.New("config has no device_id")
	}
	deviceId, err := ParseId(self.DeviceId)
	if err != nil {
		return Id{}, fmt.Errorf("bad device_id: %w", err)
	}
	return deviceId, nil
}
