package config

import (
	"encoding/json/v2"
	"strings"
)

// ListenerConfig configures one client-facing dialect endpoint.
type ListenerConfig struct {
	// Dialect selects the emulated protocol: mysql, mssql, or oracle.
	Dialect string `json:"dialect"`

	// Listen is the address to accept client connections on.
	Listen ListenAddr `json:"listen"`
}

// ListenAddr is a network address suitable for net.Listen.
// It normalizes JSON input formats like "3306", ":3306", or
// "127.0.0.1:3306" into the "host:port" format expected by Go's net
// package.
type ListenAddr string

// UnmarshalJSON parses a listen address string and normalizes it.
func (l *ListenAddr) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*l = ListenAddr(normalizeListenAddr(s))
	return nil
}

// String returns the normalized address string.
func (l ListenAddr) String() string {
	return string(l)
}

// normalizeListenAddr converts various address formats to "host:port".
// Accepts: "3306", ":3306", "127.0.0.1:3306"
func normalizeListenAddr(s string) string {
	if !strings.Contains(s, ":") {
		// Just a port number like "3306"
		return ":" + s
	}
	return s
}
