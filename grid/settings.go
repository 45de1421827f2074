package grid

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type DatasetSettings struct {
	TotalRows int `yaml:"total_rows"`
	TotalCols int `yaml:"total_cols"`
}

// Settings loaded from a yaml file. Keys that are absent keep their default.
//
//	listen: ":8080"
//	redis_url: redis://localhost:6379/0
//	dataset:
//	  total_rows: 300000
//	session:
//	  window:
//	    rows_per_page: 100
//	    fetch_timeout: 30s
type SettingsFile struct {
	Listen           string                  `yaml:"listen"`
	RedisUrl         string                  `yaml:"redis_url"`
	BackplaneChannel string                  `yaml:"backplane_channel"`
	Dataset          *DatasetSettings        `yaml:"dataset"`
	Server           *SourceServerSettings   `yaml:"server"`
	Relay            *RelaySettings          `yaml:"relay"`
	RelayTransport   *RelayTransportSettings `yaml:"relay_transport"`
	HttpSource       *HttpSourceSettings     `yaml:"http_source"`
	Session          *SessionSettings        `yaml:"session"`
}

func DefaultSettingsFile() *SettingsFile {
	return &SettingsFile{
		Listen:           ":8080",
		BackplaneChannel: DefaultBackplaneChannel,
		Dataset: &DatasetSettings{
			TotalRows: DefaultTotalRows,
			TotalCols: DefaultTotalCols,
		},
		Server:         DefaultSourceServerSettings(),
		Relay:          DefaultRelaySettings(),
		RelayTransport: DefaultRelayTransportSettings(),
		HttpSource:     DefaultHttpSourceSettings(),
		Session:        DefaultSessionSettings(),
	}
}

func LoadSettingsFile(path string) (*SettingsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	settings, err := ParseSettings(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return settings, nil
}

// decodes over the defaults
func ParseSettings(data []byte) (*SettingsFile, error) {
	settings := DefaultSettingsFile()
	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, err
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

func (self *SettingsFile) Validate() error {
	// an explicit null replaces a default section
	sections := []struct {
		name  string
		isNil bool
	}{
		{"dataset", self.Dataset == nil},
		{"server", self.Server == nil},
		{"relay", self.Relay == nil},
		{"relay_transport", self.RelayTransport == nil},
		{"http_source", self.HttpSource == nil},
		{"session", self.Session == nil},
		{"session.window", self.Session != nil && self.Session.Window == nil},
	}
	for _, section := range sections {
		if section.isNil {
			return fmt.Errorf("settings section %s must not be empty", section.name)
		}
	}

	if self.Dataset.TotalRows < 0 || self.Dataset.TotalCols < 0 {
		return fmt.Errorf("dataset extents must not be negative")
	}
	if self.Session.Window.RowsPerPage <= 0 || self.Session.Window.ColsPerPage <= 0 {
		return fmt.Errorf("window page sizes must be positive")
	}
	if self.Session.Window.MaxBlocks < 0 {
		return fmt.Errorf("window max_blocks must not be negative")
	}
	if self.Session.Window.MaxRangeRows < 0 {
		return fmt.Errorf("window max_range_rows must not be negative")
	}
	if self.Relay.PeerBufferSize <= 0 {
		return fmt.Errorf("relay peer_buffer_size must be positive")
	}
	return nil
}
