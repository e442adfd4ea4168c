/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package trafficcapture

import (
	"os"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"
)

// Default values applied by Config.CheckAndSetDefaults when a loaded
// document omits them.
const (
	DefaultMaxFileSize = 10 * 1024 * 1024 * 1024 // 10 GiB
	DefaultBufferSize  = 128 * 1024 * 1024        // 128 MiB
)

// Config is the process-wide startup configuration for the traffic
// capture subsystem. It is normally loaded once, at server bring-up, from
// a section of the host server's own configuration file.
type Config struct {
	// RecordingDirectory is the directory new recordings are created in.
	// Empty means capture is administratively disabled: Recorder.Start
	// always fails with configMissing until this is set.
	RecordingDirectory string `yaml:"recording_directory"`

	// DefaultMaxFileSize is used for a startRecordingTraffic request that
	// omits MaxFileSize.
	DefaultMaxFileSize int64 `yaml:"default_max_file_size,omitempty"`

	// DefaultBufferSize is used for a startRecordingTraffic request that
	// omits BufferSize.
	DefaultBufferSize int `yaml:"default_buffer_size,omitempty"`
}

// CheckAndSetDefaults validates the configuration and fills in defaults
// for omitted fields. It deliberately does not require RecordingDirectory
// to be set, and does not check that it names an existing directory: that
// check belongs to Recorder.Start, which re-validates it every time
// capture is started so that an operator can ship a configuration file
// before the directory exists.
func (c *Config) CheckAndSetDefaults() error {
	if c.DefaultMaxFileSize <= 0 {
		c.DefaultMaxFileSize = DefaultMaxFileSize
	}
	if c.DefaultBufferSize <= 0 {
		c.DefaultBufferSize = DefaultBufferSize
	}
	return nil
}

// LoadConfig reads and parses a YAML configuration document from path,
// applying CheckAndSetDefaults before returning it.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, trace.Wrap(err, "parsing traffic capture config")
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cfg, nil
}

// validateDirectory requires dir to name an existing directory. An empty
// dir is reported distinctly by the caller (Recorder.Start), since an
// unset directory and a misconfigured one carry different error
// messages.
func validateDirectory(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	if !info.IsDir() {
		return trace.BadParameter("traffic recording directory %q is not a directory", dir)
	}
	return nil
}
