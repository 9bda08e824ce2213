package eventbus

import "fmt"

// Subject conventions for the cross-domain bus (spec.md §4.8/§6):
//
//	cmd.<domain>.<action>          command request/reply
//	event.<domain>.<event_type>    fire-and-forget domain event publish
//	event.dlq.<original_subject>   dead-letter parking
//	query.<domain>.<query_type>    query request/reply
//	stream.metrics.<name>          periodic metrics snapshots
const (
	eventStreamSubjects = "event.>"
	dlqStreamSubjects   = "event.dlq.>"
)

// EventSubject builds the publish subject for a domain event.
func EventSubject(domain, eventType string) string {
	return fmt.Sprintf("event.%s.%s", domain, eventType)
}

// CommandSubject builds the request subject for a command.
func CommandSubject(domain, action string) string {
	return fmt.Sprintf("cmd.%s.%s", domain, action)
}

// QuerySubject builds the request subject for a query.
func QuerySubject(domain, queryType string) string {
	return fmt.Sprintf("query.%s.%s", domain, queryType)
}

// MetricsSubject builds the publish subject for a named metrics stream.
func MetricsSubject(name string) string {
	return fmt.Sprintf("stream.metrics.%s", name)
}

// DLQSubject builds the dead-letter subject an event originally
// published on originalSubject is parked under.
func DLQSubject(originalSubject string) string {
	return fmt.Sprintf("event.dlq.%s", originalSubject)
}
