package models

import (
	"time"

	"github.com/prometheus/common/model"
)

// AlertState is the lifecycle state of a tracked alert.
type AlertState uint8

const (
	StateFiring AlertState = iota
	StateResolved
)

// String returns "firing" or "resolved".
func (s AlertState) String() string {
	if s == StateResolved {
		return "resolved"
	}
	return "firing"
}

// OutboundAlert is the rendered payload queued for delivery to Alertmanager.
// Labels define the alert identity downstream; annotations carry human text.
// EndsAt is the zero time while the alert is firing and is set exactly when
// the alert transitions to resolved.
type OutboundAlert struct {
	Fingerprint model.Fingerprint `json:"fingerprint"`
	State       AlertState        `json:"state"`
	Labels      model.LabelSet    `json:"labels"`
	Annotations model.LabelSet    `json:"annotations"`
	StartsAt    time.Time         `json:"startsAt"`
	EndsAt      time.Time         `json:"endsAt,omitempty"`
}

// WireAlert converts the alert to the Alertmanager v2 ingestion schema.
// generatorURL is attached verbatim when non-empty.
func (a OutboundAlert) WireAlert(generatorURL string) model.Alert {
	return model.Alert{
		Labels:       a.Labels,
		Annotations:  a.Annotations,
		StartsAt:     a.StartsAt,
		EndsAt:       a.EndsAt,
		GeneratorURL: generatorURL,
	}
}
