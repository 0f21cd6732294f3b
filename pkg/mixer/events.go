package mixer

import (
	"github.com/fairmix/fairmix/internal/store"
	"github.com/fairmix/fairmix/pkg/dsp/dynamics"
	"github.com/fairmix/fairmix/pkg/dsp/loudness"
	"github.com/fairmix/fairmix/pkg/stream"
)

// EventType tags an Event.
type EventType int

const (
	// EventLoudnessUpdate carries a fresh reading for one stream (~10 Hz).
	EventLoudnessUpdate EventType = iota
	// EventCaptureStarted fires when a stream begins capturing.
	EventCaptureStarted
	// EventCaptureStopped fires after an explicit stop.
	EventCaptureStopped
	// EventCaptureError fires once when capture setup fails.
	EventCaptureError
	// EventStreamEnded fires when a source terminates on its own.
	EventStreamEnded
	// EventGainUpdated carries the applied gain after any change.
	EventGainUpdated
	// EventLimiterUpdated carries the applied limiter settings.
	EventLimiterUpdated
	// EventMeasurementsReset fires after a measurement reset.
	EventMeasurementsReset
	// EventAutoBalanceUpdated carries the applied auto-balance settings.
	EventAutoBalanceUpdated
	// EventSoloChanged carries the new solo holder ("" when cleared).
	EventSoloChanged
)

// String returns the wire name of the event type.
func (t EventType) String() string {
	switch t {
	case EventLoudnessUpdate:
		return "loudness_update"
	case EventCaptureStarted:
		return "capture_started"
	case EventCaptureStopped:
		return "capture_stopped"
	case EventCaptureError:
		return "capture_error"
	case EventStreamEnded:
		return "stream_ended"
	case EventGainUpdated:
		return "gain_updated"
	case EventLimiterUpdated:
		return "limiter_updated"
	case EventMeasurementsReset:
		return "measurements_reset"
	case EventAutoBalanceUpdated:
		return "auto_balance_updated"
	case EventSoloChanged:
		return "solo_changed"
	default:
		return "unknown"
	}
}

// Event is a tagged variant delivered to observers, fire and forget. Only
// the fields relevant to the Type are populated.
type Event struct {
	Type        EventType
	Stream      stream.ID
	Reading     loudness.Reading
	SampleRate  float64
	GainDB      float64
	Limiter     dynamics.Settings
	AutoBalance store.AutoBalanceSettings
	Solo        stream.ID
	Reason      string
}
