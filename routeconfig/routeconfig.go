// Package routeconfig loads and saves the route configuration of a relay
// process and builds the corresponding route.Set.
package routeconfig

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// ErrUnknownFormat is returned for configuration files whose extension names no supported codec.
var ErrUnknownFormat = errors.New("unknown route configuration format")

// Format names an on-disk encoding of Config.
type Format string

const (
	YAML Format = "yaml"
	JSON Format = "json"
	XML  Format = "xml"
)

// SourceDescriptor describes the queue a route leases batches from.
type SourceDescriptor struct {
	AccountSetting             string `yaml:"account_setting" json:"account_setting" xml:"accountSettingName,attr"`
	QueueName                  string `yaml:"queue" json:"queue" xml:"queueName,attr"`
	LeaseDurationMillis        int    `yaml:"lease_duration_millis" json:"lease_duration_millis" xml:"leaseDurationMillis,attr"`
	MaxEmptyPollBackoffSeconds int    `yaml:"max_empty_poll_backoff_seconds" json:"max_empty_poll_backoff_seconds" xml:"maxEmptyPollBackoffSeconds,attr"`
}

// DestinationDescriptor describes a queue a route copies batches into.
type DestinationDescriptor struct {
	AccountSetting string `yaml:"account_setting" json:"account_setting" xml:"accountSettingName,attr"`
	QueueName      string `yaml:"queue" json:"queue" xml:"queueName,attr"`
}

// Route describes one source and its ordered destinations. Name is optional.
type Route struct {
	Name         string                  `yaml:"name,omitempty" json:"name,omitempty" xml:"name,attr,omitempty"`
	Source       SourceDescriptor        `yaml:"source" json:"source" xml:"source"`
	Destinations []DestinationDescriptor `yaml:"destinations" json:"destinations" xml:"destination"`
}

// Config is the ordered list of configured routes.
type Config struct {
	XMLName xml.Name `yaml:"-" json:"-" xml:"routes"`
	Routes  []Route  `yaml:"routes" json:"routes" xml:"route"`
}

// FormatFromPath picks the format from the file extension of path.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return YAML, nil
	case ".json":
		return JSON, nil
	case ".xml":
		return XML, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, path)
	}
}

// Decode reads a Config in format from r. Unknown fields are rejected for YAML and JSON.
func Decode(r io.Reader, format Format) (Config, error) {
	var c Config
	var err error
	switch format {
	case YAML:
		decoder := yaml.NewDecoder(r)
		decoder.KnownFields(true)
		err = decoder.Decode(&c)
		if errors.Is(err, io.EOF) {
			err = nil
		}
	case JSON:
		decoder := json.NewDecoder(r)
		decoder.DisallowUnknownFields()
		err = decoder.Decode(&c)
	case XML:
		err = xml.NewDecoder(r).Decode(&c)
	default:
		return c, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	if err != nil {
		return c, fmt.Errorf("decoding %s route configuration: %w", format, err)
	}
	return c, nil
}

// Encode writes c to w in format.
func Encode(w io.Writer, format Format, c Config) error {
	switch format {
	case YAML:
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(c); err != nil {
			return err
		}
		return encoder.Close()
	case JSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(c)
	case XML:
		if _, err := io.WriteString(w, xml.Header); err != nil {
			return err
		}
		encoder := xml.NewEncoder(w)
		encoder.Indent("", "  ")
		if err := encoder.Encode(c); err != nil {
			return err
		}
		_, err := io.WriteString(w, "\n")
		return err
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// Load reads, decodes and validates the configuration file at path.
func Load(path string) (Config, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return Config{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read route configuration: %w", err)
	}
	c, err := Decode(bytes.NewReader(data), format)
	if err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid route configuration: %w", err)
	}
	return c, nil
}

// Save writes c to path in the format named by its extension.
func Save(path string, c Config) error {
	format, err := FormatFromPath(path)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := Encode(&buf, format, c); err != nil {
		return fmt.Errorf("encoding route configuration: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// Validate reports every malformed route. Blank account settings or queue
// names are not malformed: they make the binding unavailable at runtime.
func (c Config) Validate() error {
	var err error
	for i, r := range c.Routes {
		if r.Source.LeaseDurationMillis < 0 {
			err = multierr.Append(err, fmt.Errorf("route %d: lease duration cannot be negative, got %d", i, r.Source.LeaseDurationMillis))
		}
		if r.Source.MaxEmptyPollBackoffSeconds < 0 {
			err = multierr.Append(err, fmt.Errorf("route %d: max empty poll backoff cannot be negative, got %d", i, r.Source.MaxEmptyPollBackoffSeconds))
		}
	}
	return err
}
