// Package notifier delivers execution reports to operators.
//
// Notifications go through a bounded queue drained by a few workers. Sends
// are rate limited, retried with backoff, and deduplicated by key within a
// window, so a flapping run does not flood the chat.
//
// # Execution reports
//
// When started with an event bus, the service subscribes to finished
// executions and formats one message per run. OnlyFailures limits reports
// to runs that did not complete cleanly.
//
// # Transport
//
// Delivery is delegated to a Sender (see the telegram subpackage).
package notifier
