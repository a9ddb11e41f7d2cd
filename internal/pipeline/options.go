package pipeline

import "time"

// Options tunes the worker pool. Zero values fall back to DefaultOptions.
type Options struct {
	ManifestWorkers   int
	ScrapeWorkers     int
	ResolutionWorkers int

	ManifestQueueCapacity   int
	ScrapeQueueCapacity     int
	ResolutionQueueCapacity int

	PollInterval   time.Duration
	MaxPollBackoff time.Duration
	BatchClaimSize int
	MaxAttempts    int

	StuckTaskThreshold time.Duration
	WatchdogInterval   time.Duration
}

func DefaultOptions() Options {
	return Options{
		ManifestWorkers:         1,
		ScrapeWorkers:           3,
		ResolutionWorkers:       2,
		ManifestQueueCapacity:   4,
		ScrapeQueueCapacity:     32,
		ResolutionQueueCapacity: 32,
		PollInterval:            750 * time.Millisecond,
		MaxPollBackoff:          15 * time.Second,
		BatchClaimSize:          8,
		MaxAttempts:             3,
		StuckTaskThreshold:      10 * time.Minute,
		WatchdogInterval:        time.Minute,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	setInt := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	setDur := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	setInt(&o.ManifestWorkers, d.ManifestWorkers)
	setInt(&o.ScrapeWorkers, d.ScrapeWorkers)
	setInt(&o.ResolutionWorkers, d.ResolutionWorkers)
	setInt(&o.ManifestQueueCapacity, d.ManifestQueueCapacity)
	setInt(&o.ScrapeQueueCapacity, d.ScrapeQueueCapacity)
	setInt(&o.ResolutionQueueCapacity, d.ResolutionQueueCapacity)
	setInt(&o.BatchClaimSize, d.BatchClaimSize)
	setInt(&o.MaxAttempts, d.MaxAttempts)
	setDur(&o.PollInterval, d.PollInterval)
	setDur(&o.MaxPollBackoff, d.MaxPollBackoff)
	setDur(&o.StuckTaskThreshold, d.StuckTaskThreshold)
	setDur(&o.WatchdogInterval, d.WatchdogInterval)
	if o.MaxPollBackoff < o.PollInterval {
		o.MaxPollBackoff = o.PollInterval
	}
	return o
}
