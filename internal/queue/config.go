package queue

import "time"

// Config holds the retention and pagination defaults. Zero values passed
// to New are replaced by DefaultConfig's values field by field, so
// callers can override just what they need.
type Config struct {
	// ConsumerTTL is how long a consumer may go without activity before
	// cleanup drops it and its cursor stops constraining retention.
	ConsumerTTL time.Duration
	// MessageTTL is the maximum age of an entry before cleanup may drop
	// it, independent of consumer cursors.
	MessageTTL time.Duration
	// MaxEntriesPerTopic caps a topic's retained entry count; cleanup
	// trims the oldest entries first once exceeded.
	MaxEntriesPerTopic int
	// CleanupInterval is how often the background cleanup loop runs.
	// Zero disables the background loop (callers may still call Cleanup
	// directly).
	CleanupInterval time.Duration
	// DefaultReadLimit is used when Read is called with a negative
	// limit. Read's effective limit is always capped at MaxReadLimit.
	DefaultReadLimit int
	// MaxReadLimit hard-caps Read regardless of the caller-requested
	// limit — the resume-replay page size cap.
	MaxReadLimit int
}

// DefaultConfig matches the documented defaults: 24h consumer TTL, 48h
// message TTL, 10000 entries per topic, 5 minute cleanup interval, 100
// entries per read capped at 1000.
func DefaultConfig() Config {
	return Config{
		ConsumerTTL:        24 * time.Hour,
		MessageTTL:         48 * time.Hour,
		MaxEntriesPerTopic: 10000,
		CleanupInterval:    5 * time.Minute,
		DefaultReadLimit:   100,
		MaxReadLimit:       1000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConsumerTTL == 0 {
		c.ConsumerTTL = d.ConsumerTTL
	}
	if c.MessageTTL == 0 {
		c.MessageTTL = d.MessageTTL
	}
	if c.MaxEntriesPerTopic == 0 {
		c.MaxEntriesPerTopic = d.MaxEntriesPerTopic
	}
	if c.DefaultReadLimit == 0 {
		c.DefaultReadLimit = d.DefaultReadLimit
	}
	if c.MaxReadLimit == 0 {
		c.MaxReadLimit = d.MaxReadLimit
	}
	// CleanupInterval's zero value is meaningful (disabled), so it is not
	// defaulted here — callers must pass DefaultConfig() to get the 5
	// minute default, or set it explicitly.
	return c
}
