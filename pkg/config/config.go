// Package config loads optional settings for the server binary from an
// ini file. Command line arguments always win over file values.
package config

import (
	"fmt"
	"os"

	"gopkg.in/ini.v1"
)

// Server holds the tunables the server accepts from a settings file.
// Zero values mean "not set".
type Server struct {
	Port        uint16
	ErrorRate   float64
	MetricsAddr string
	LogLevel    string
}

// LoadServer reads path. A missing file is not an error, it just yields
// the zero config; a present but malformed file is.
func LoadServer(path string) (*Server, error) {
	cfg := &Server{}
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	section := file.Section("server")
	if key, err := section.GetKey("port"); err == nil {
		port, err := key.Uint()
		if err != nil || port > 65535 {
			return nil, fmt.Errorf("%s: invalid port %q", path, key.String())
		}
		cfg.Port = uint16(port)
	}
	if key, err := section.GetKey("error-rate"); err == nil {
		rate, err := key.Float64()
		if err != nil || rate < 0 || rate > 1 {
			return nil, fmt.Errorf("%s: invalid error-rate %q", path, key.String())
		}
		cfg.ErrorRate = rate
	}
	if key, err := section.GetKey("metrics-addr"); err == nil {
		cfg.MetricsAddr = key.String()
	}
	if key, err := section.GetKey("log-level"); err == nil {
		cfg.LogLevel = key.String()
	}
	return cfg, nil
}
