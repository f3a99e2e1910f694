package ports

import "context"

// Alerter sends operational notices out of the engine: reconnect counts,
// logical rejections, BOD/CoB summaries. Delivery is fire-and-forget from
// the caller's point of view — an Alerter failure must never block the
// event loop.
//
// Grounded on the teacher's Notifier (ports/notifier.go), generalized from
// "render a table of opportunities" to "send a subject/body alert."
type Alerter interface {
	Send(ctx context.Context, subject, body string) error
}
