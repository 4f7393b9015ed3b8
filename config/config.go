package config

import (
	"runtime"
	"time"
)

type (
	NET struct {
		// ReadBufferSize is the initial capacity of a connection input buffer.
		ReadBufferSize int
		// Backlog is passed to listen(2).
		Backlog int
		// TCPNoDelay disables Nagle's algorithm on accepted sockets.
		TCPNoDelay bool
		// TCPCork engages TCP_CORK for the duration of a response, released
		// once the connection resumes.
		TCPCork bool
		// DeferAccept assumes accepted sockets already have data pending and
		// processes input right away instead of arming a read watch first.
		DeferAccept bool
	}

	Timeouts struct {
		// ReadIdle limits how long receiving a single request may stall.
		ReadIdle time.Duration
		// KeepAliveIdle limits idling between requests on a persistent
		// connection. Zero disables keep-alive altogether.
		KeepAliveIdle time.Duration
		// WriteIdle limits how long a blocked response write may stall.
		WriteIdle time.Duration
	}

	HTTP struct {
		// MaxKeepAliveRequests bounds how many requests a single connection
		// may serve. Zero means unlimited.
		MaxKeepAliveRequests int
		// Advertise controls whether the server tag is exposed via the
		// Server (or Via) response header.
		Advertise bool
		// Tag is the server identification string.
		Tag string
	}

	Server struct {
		// Workers is the number of event loops. Defaults to the hardware
		// thread count.
		Workers int
	}
)

type Config struct {
	NET      NET
	Timeouts Timeouts
	HTTP     HTTP
	Server   Server
}

// Default returns a well-balanced configuration. Modify the returned value
// instead of constructing Config manually, as zero values are filled back in
// by Fill anyway.
func Default() *Config {
	return &Config{
		NET: NET{
			ReadBufferSize: 8 * 1024,
			Backlog:        128,
			TCPNoDelay:     true,
		},
		Timeouts: Timeouts{
			ReadIdle:      60 * time.Second,
			KeepAliveIdle: 10 * time.Second,
			WriteIdle:     60 * time.Second,
		},
		HTTP: HTTP{
			MaxKeepAliveRequests: 100,
			Advertise:            true,
			Tag:                  "keel",
		},
		Server: Server{
			Workers: runtime.NumCPU(),
		},
	}
}

// Fill replaces zero values of the given config with defaults. Fields whose
// zero value carries a meaning (KeepAliveIdle, MaxKeepAliveRequests) and the
// boolean switches are left as given.
func Fill(cfg *Config) *Config {
	defaults := Default()

	if cfg.NET.ReadBufferSize == 0 {
		cfg.NET.ReadBufferSize = defaults.NET.ReadBufferSize
	}
	if cfg.NET.Backlog == 0 {
		cfg.NET.Backlog = defaults.NET.Backlog
	}
	if cfg.Timeouts.ReadIdle == 0 {
		cfg.Timeouts.ReadIdle = defaults.Timeouts.ReadIdle
	}
	if cfg.Timeouts.WriteIdle == 0 {
		cfg.Timeouts.WriteIdle = defaults.Timeouts.WriteIdle
	}
	if cfg.HTTP.Tag == "" {
		cfg.HTTP.Tag = defaults.HTTP.Tag
	}
	if cfg.Server.Workers == 0 {
		cfg.Server.Workers = defaults.Server.Workers
	}

	return cfg
}
