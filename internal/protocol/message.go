package protocol

import (
	"fmt"
	"net/url"

	"perforay/internal/model"
)

// Message types
const (
	MsgTypeMeasureStarted = "measure_started"
	MsgTypeMeasureEnded   = "measure_ended"
	// MsgTypeResult labels the untagged terminal message in logs and metrics
	MsgTypeResult = "result"
)

// ScanRequest is the single inbound message of a session
type ScanRequest struct {
	URI *url.URL
}

// MeasureStarted is sent when the engine begins measuring a page
type MeasureStarted struct {
	Type string `json:"type"`
	URI  string `json:"uri"`
}

// MeasureEnded carries one completed page measurement
type MeasureEnded struct {
	Type   string               `json:"type"`
	Result model.DocumentResult `json:"result"`
}

func NewMeasureStarted(target *url.URL) MeasureStarted {
	return MeasureStarted{Type: MsgTypeMeasureStarted, URI: target.String()}
}

func NewMeasureEnded(doc model.DocumentResult) MeasureEnded {
	return MeasureEnded{Type: MsgTypeMeasureEnded, Result: doc}
}

// EventMessage maps a scan event onto its outbound message
func EventMessage(ev model.ScanEvent) (any, error) {
	switch e := ev.(type) {
	case model.MeasurementStarted:
		if e.Target == nil {
			return nil, fmt.Errorf("%w: measurement started without target", ErrCodec)
		}
		return NewMeasureStarted(e.Target), nil
	case *model.MeasurementStarted:
		if e == nil {
			return nil, fmt.Errorf("%w: nil event %T", ErrCodec, ev)
		}
		return EventMessage(*e)
	case model.MeasurementEnded:
		return NewMeasureEnded(e.Document), nil
	case *model.MeasurementEnded:
		if e == nil {
			return nil, fmt.Errorf("%w: nil event %T", ErrCodec, ev)
		}
		return EventMessage(*e)
	default:
		return nil, fmt.Errorf("%w: unsupported event %T", ErrCodec, ev)
	}
}

// MessageType names an outbound message for logs and metrics
func MessageType(msg any) string {
	switch m := msg.(type) {
	case MeasureStarted:
		return m.Type
	case MeasureEnded:
		return m.Type
	case *model.ScanResult, model.ScanResult:
		return MsgTypeResult
	default:
		return "unknown"
	}
}
