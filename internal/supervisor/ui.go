package supervisor

// EventType enumerates the UI channel's event categories.
type EventType string

const (
	EventStatusUpdate    EventType = "status_update"
	EventMergedConfig    EventType = "merged_config"
	EventInstanceDetails EventType = "instance_details"
	EventSyncStatus      EventType = "sync_status"
	EventTunnelUp        EventType = "tunnel_up"
	EventTunnelDown      EventType = "tunnel_down"
	EventLogLine         EventType = "log_line"
)

// Event is one message on the bounded UI channel.
type Event struct {
	Type    EventType
	Message string
	Data    map[string]any
}

// uiChannelCapacity bounds the many-to-one UI event channel. Backpressure
// policy: a non-log event evicts the oldest queued event on overflow; a log
// line never evicts anything and is dropped from the channel when it is full.
const uiChannelCapacity = 256

// publish sends evt on the UI channel without blocking the coordinator.
// When full, a non-log event drops the oldest queued event (of any type) to
// make room; a log line is retried once and otherwise dropped from the
// channel, with a warning. streamLine has already logged every log line
// before publishing it.
func (s *Supervisor) publish(evt Event) {
	select {
	case s.ui <- evt:
		return
	default:
	}

	if evt.Type == EventLogLine {
		// Log lines never evict other events: one more non-blocking try,
		// then the line is dropped from the UI channel only.
		select {
		case s.ui <- evt:
		default:
			s.logger.Warn().Msg("UI channel saturated even for a log line; event dropped, already written to log file")
		}
		return
	}

	select {
	case <-s.ui:
	default:
	}
	select {
	case s.ui <- evt:
	default:
	}
}

// Events returns the channel the UI thread drains.
func (s *Supervisor) Events() <-chan Event {
	return s.ui
}
