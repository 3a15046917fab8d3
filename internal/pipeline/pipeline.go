// Package pipeline holds the pieces shared by every stage: queue names, job
// priorities, the error taxonomy, and the worker configuration surface.
package pipeline

// Queue names. Each stage owns exactly one queue; the dead-letter queue is a
// terminal sink that is only drained manually.
const (
	QueueFetch      = "fetch"
	QueueNormalize  = "normalize"
	QueueMedia      = "media"
	QueueEnrichment = "enrichment"
	QueueDeadLetter = "dead-letter"
)

// Queues lists every queue in processing order, dead-letter last.
func Queues() []string {
	return []string{QueueFetch, QueueNormalize, QueueMedia, QueueEnrichment, QueueDeadLetter}
}

// Job priorities. Lower runs first. Video media and all enrichment jobs run
// at PriorityDefault; podcast media yields to video at PriorityLow; manual
// triggers jump the line at PriorityHigh.
const (
	PriorityHigh    = 1
	PriorityDefault = 2
	PriorityLow     = 3
)
