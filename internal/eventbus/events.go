package eventbus

import "time"

// Event types published across the service.
const (
	// EventCycleComplete fires after every poll cycle, including degraded ones.
	EventCycleComplete = "cycle.complete"

	// EventCycleError fires when a cycle aborts on a fetch or parse failure.
	EventCycleError = "cycle.error"

	// EventDeliveryFailed fires when a channel drops an action after its
	// retry budget. The action is gone at that point; this is the report.
	EventDeliveryFailed = "delivery.failed"
)

// CycleSummary is the payload of EventCycleComplete.
type CycleSummary struct {
	Source   string        `json:"source"`
	New      int           `json:"new"`
	Updated  int           `json:"updated"`
	Gone     int           `json:"gone"`
	Tracked  int           `json:"tracked"`
	Degraded bool          `json:"degraded"`
	Took     time.Duration `json:"took"`
}

// CycleError is the payload of EventCycleError.
type CycleError struct {
	Source string `json:"source"`
	Stage  string `json:"stage"` // "fetch" or "parse"
	Err    string `json:"error"`
}

// DeliveryFailure is the payload of EventDeliveryFailed.
type DeliveryFailure struct {
	Channel string `json:"channel"`
	Source  string `json:"source"`
	Verb    string `json:"verb"`
	Key     string `json:"key"`
	Err     string `json:"error"`
}
