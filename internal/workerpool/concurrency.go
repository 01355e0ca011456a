package workerpool

import (
	"fmt"

	"cliprr/internal/queue"
)

// SettingsReader is the subset of the Settings overlay concurrency
// resolution needs.
type SettingsReader interface {
	CPUWorkerLimit() (int, error)
	GPUWorkerLimit() (int, error)
}

// SettingsConcurrency implements ConcurrencyProvider against the live
// Settings overlay, resolving each queue's concurrency source from the
// table in spec.md §4.6. Reading Settings on every Start call (rather than
// caching) means an operator's limit change takes effect on the next pool
// restart without a code change.
type SettingsConcurrency struct {
	settings SettingsReader
}

func NewSettingsConcurrency(settings SettingsReader) *SettingsConcurrency {
	return &SettingsConcurrency{settings: settings}
}

func (c *SettingsConcurrency) ConcurrencyFor(queueName string) (int, error) {
	switch queueName {
	case queue.EpisodeProcessing, queue.AudioExtraction, queue.Fingerprinting:
		return c.settings.CPUWorkerLimit()
	case queue.Detection:
		n, err := c.settings.CPUWorkerLimit()
		if err != nil {
			return 0, err
		}
		if n > 4 {
			n = 4
		}
		return n, nil
	case queue.Trimming:
		return c.settings.GPUWorkerLimit()
	case queue.Cleanup:
		return 1, nil
	default:
		return 0, fmt.Errorf("workerpool: unknown queue %q", queueName)
	}
}
