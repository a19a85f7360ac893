package messaging

// Subject constants for the tracksync message bus.
// Follow the pattern: {domain}.{resource}.{action}
const (
	// Dead-lettered delivery tasks, append the reason: tracking.dlq.permanent
	SubjectTrackingDLQ = "tracking.dlq"

	// Aggregated notifications fanned out to the bus channel
	SubjectTrackingAlertsNotify = "tracking.alerts.notify"

	// Scheduler tier completions, append the tier: tracking.schedule.hourly.completed
	SubjectTrackingSchedule = "tracking.schedule"

	// Operator requests to run a tier out of band
	SubjectTrackingScheduleTrigger = "tracking.schedule.trigger"
)

// Queue group names for load-balanced consumers.
const (
	QueueTrackingSchedulers = "tracking-schedulers"
)

// DLQSubject returns the dead-letter subject for a failure reason.
// Example: tracking.dlq.max_attempts
func DLQSubject(reason string) string {
	return SubjectTrackingDLQ + "." + reason
}

// ScheduleCompletedSubject returns the completion subject for a scheduler tier.
// Example: tracking.schedule.daily.completed
func ScheduleCompletedSubject(tier string) string {
	return SubjectTrackingSchedule + "." + tier + ".completed"
}
