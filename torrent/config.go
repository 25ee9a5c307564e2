package torrent

import "time"

// Config carries the tunables of a download.
type Config struct {
	// number of concurrent peer sessions
	Workers int
	// TCP port reported to the tracker (the client never listens)
	Port uint16
	// most peers the registry will hold at once
	RegistryCapacity int

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	// bounds a single receive in the exchange loop
	ReadTimeout time.Duration

	// delay before retrying a failed announce
	AnnounceBackoff time.Duration

	ShowDownloadProgress bool
}

var DefaultConfig = Config{
	Workers:              40,
	Port:                 6881,
	RegistryCapacity:     500,
	DialTimeout:          3 * time.Second,
	HandshakeTimeout:     5 * time.Second,
	ReadTimeout:          120 * time.Second,
	AnnounceBackoff:      15 * time.Second,
	ShowDownloadProgress: true,
}
