package channels

import "context"

// Channel is a bidirectional bridge between an external messaging
// platform and the shared bus. Inbound messages become user_input rows
// targeted at the agent; agent_response rows targeted at
// "channel:<name>" are delivered back to the platform.
type Channel interface {
	// Name identifies the channel; it doubles as the bus routing suffix.
	Name() string

	// Run blocks until ctx is cancelled, moving messages in both
	// directions.
	Run(ctx context.Context) error
}
