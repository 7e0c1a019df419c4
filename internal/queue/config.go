package queue

import (
	"time"

	"github.com/ternarybob/recap/internal/common"
)

// Config holds configuration for the queue manager
type Config struct {
	// PollInterval is how often workers poll for messages
	PollInterval time.Duration

	// Concurrency is the number of concurrent workers
	Concurrency int

	// VisibilityTimeout is how long a received message stays hidden before redelivery
	VisibilityTimeout time.Duration

	// MaxReceive is the maximum times a message can be received before it is dropped
	MaxReceive int

	// QueueName is the key prefix of the queue in Badger
	QueueName string
}

// NewDefaultConfig creates a queue configuration with sensible defaults
func NewDefaultConfig() Config {
	return Config{
		PollInterval:      1 * time.Second,
		Concurrency:       2,
		VisibilityTimeout: 30 * time.Minute,
		MaxReceive:        3,
		QueueName:         "recap_analysis",
	}
}

// NewConfig converts the application queue configuration
func NewConfig(c common.QueueConfig) Config {
	defaults := NewDefaultConfig()
	config := Config{
		PollInterval:      common.ParseDurationOr(c.PollInterval, defaults.PollInterval),
		Concurrency:       c.Concurrency,
		VisibilityTimeout: common.ParseDurationOr(c.VisibilityTimeout, defaults.VisibilityTimeout),
		MaxReceive:        c.MaxReceive,
		QueueName:         c.QueueName,
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.MaxReceive <= 0 {
		config.MaxReceive = defaults.MaxReceive
	}
	if config.QueueName == "" {
		config.QueueName = defaults.QueueName
	}
	return config
}
