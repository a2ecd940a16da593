package notifier

import (
	"errors"

	"sessionpilot/internal/events"
	"sessionpilot/internal/logger"
)

// LogNotifier writes notifications to the process log. It is the fallback when
// no chat channel is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(evt events.Event) error {
	logger.Infof("notify %s #%d %v", evt.Type, evt.Seq, evt.Payload)
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(evt events.Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
