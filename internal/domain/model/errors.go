package model

import "errors"

var (
	// ErrRecurringJobNotFound is returned when a job id does not exist.
	ErrRecurringJobNotFound = errors.New("recurring job not found")
	// ErrJobRunNotFound is returned when a run id does not exist.
	ErrJobRunNotFound = errors.New("job run not found")
	// ErrInvalidRunTransition is returned when a run is not in the state the update requires.
	ErrInvalidRunTransition = errors.New("invalid job run transition")
	// ErrDeliveryNotFound is returned when a delivery id does not exist.
	ErrDeliveryNotFound = errors.New("delivery not found")
	// ErrDeliveryNotProcessing is returned when an outcome is reported for a delivery nobody holds.
	ErrDeliveryNotProcessing = errors.New("delivery is not processing")
	// ErrDeliveryNotQueued is returned when cancelling a delivery that already left the queue.
	ErrDeliveryNotQueued = errors.New("delivery is not queued")
	// ErrOutcomeAlreadyRecorded is returned when a run's outcome was already applied to its job.
	ErrOutcomeAlreadyRecorded = errors.New("run outcome already recorded")
)
