package poller

import (
	"slotbot/internal/eventbus"
	"slotbot/internal/registry"
	"slotbot/internal/sink"
	"slotbot/internal/source"
	logx "slotbot/pkg/logx"
)

// Config configures the poll scheduler.
type Config struct {
	Enabled  bool
	Schedule string // see ParseSchedule
	Timezone string // IANA name for cron schedules; "" means local

	// DefaultStudentID is the fetch identity used for courses whose
	// trackers never ran /setid (and for broadcast-only courses).
	DefaultStudentID string
}

// Deps are the collaborators a Service drives each cycle.
type Deps struct {
	Log         logx.Logger
	Bus         eventbus.Bus
	Fetcher     source.Fetcher
	Registry    *registry.Registry
	Notifier    sink.Notifier
	Broadcaster sink.Broadcaster
}

// CycleResult is the poll.cycle event payload.
type CycleResult struct {
	Course     string
	Sections   int
	Deliveries int
	Err        string
}
