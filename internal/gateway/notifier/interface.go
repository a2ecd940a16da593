package notifier

import (
	"sessionpilot/internal/events"
	"sessionpilot/internal/logger"
)

// Notifier delivers session events to a human channel. Delivery is best
// effort; callers log failures and carry on.
type Notifier interface {
	Notify(evt events.Event) error
}

// TextNotifier sends pre-rendered text.
type TextNotifier interface {
	SendText(text string) error
}

// DefaultTypes are the events worth interrupting a human for.
var DefaultTypes = []events.Type{
	events.SessionStart,
	events.RiskBreach,
	events.PositionClosed,
	events.SessionEnd,
}

// Listener bridges the recorder to a Notifier for the listed event types.
// Empty types means DefaultTypes.
func Listener(n Notifier, types ...events.Type) events.Listener {
	if len(types) == 0 {
		types = DefaultTypes
	}
	want := make(map[events.Type]struct{}, len(types))
	for _, t := range types {
		want[t] = struct{}{}
	}
	return events.ListenerFunc("notifier", func(evt events.Event) error {
		if _, ok := want[evt.Type]; !ok {
			return nil
		}
		if err := n.Notify(evt); err != nil {
			logger.Warnf("notify %s #%d failed: %v", evt.Type, evt.Seq, err)
		}
		return nil
	})
}
