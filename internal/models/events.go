// Package models defines the wire and internal shapes for privatized
// analytics signals flowing through the ingestion pipeline.
package models

import "time"

// Kind identifies which signal a PrivatizedEvent carries.
type Kind string

const (
	KindUnique     Kind = "uniques"
	KindPageview   Kind = "pageviews"
	KindSession    Kind = "sessions"
	KindConversion Kind = "conversions"
)

// Plan is the tenancy tier controlling ingestion routing and reducer noise policy.
type Plan string

const (
	PlanFree     Plan = "free"
	PlanStandard Plan = "standard"
	PlanPro      Plan = "pro"
)

// Channel carries the randomized-response parameters a client used to
// privatize a bit, plus the bit itself. Present only for the LDP (pro) path.
type Channel struct {
	RandomizedBit   int     `json:"randomized_bit"`
	ProbabilityTrue float64 `json:"probability_true"`
	ProbabilityFalse float64 `json:"probability_false"`
	Variance        float64 `json:"variance"`
}

// PrivatizedEvent is the wire shape a client submits inside a /shuffle batch.
// Payload is intentionally permissive JSON at the boundary; ToTagged() converts
// it into the internal tagged-union representation spec.md §9 calls for.
type PrivatizedEvent struct {
	SiteID          string                 `json:"site_id"`
	Kind            Kind                   `json:"kind"`
	Payload         map[string]interface{} `json:"payload"`
	EpsilonUsed     float64                `json:"epsilon_used"`
	SamplingRate    float64                `json:"sampling_rate"`
	ClientTimestamp time.Time              `json:"client_timestamp"`
}

// TaggedEvent is the internal tagged-union representation of a privatized
// event. At most one of the typed fields is populated, matching Kind; none
// is populated for an unknown Kind.
type TaggedEvent struct {
	SiteID          string
	EpsilonUsed     float64
	SamplingRate    float64
	ClientTimestamp time.Time

	Presence   *Presence
	Pageview   *Pageview
	Session    *Session
	Conversion *Conversion
}

// Presence is a randomized-response privatized "is this visitor present" bit.
type Presence struct{ Bit int }

// Pageview is a randomized-response privatized "did a pageview occur" bit.
type Pageview struct{ Bit int }

// Session is a randomized-response privatized "did a session start" bit.
type Session struct{ Bit int }

// Conversion is a randomized-response privatized conversion bit, scoped to a
// named conversion type (e.g. "signup", "purchase").
type Conversion struct {
	Type string
	Bit  int
}

// Metric returns the reducer bucket metric name for this event.
func (t TaggedEvent) Metric() string {
	switch {
	case t.Presence != nil:
		return string(KindUnique)
	case t.Pageview != nil:
		return string(KindPageview)
	case t.Session != nil:
		return string(KindSession)
	case t.Conversion != nil:
		typ := t.Conversion.Type
		if typ == "" {
			typ = "unknown"
		}
		return "conversion:" + typ
	default:
		return ""
	}
}

// Bit returns the randomized bit carried by whichever variant is populated.
func (t TaggedEvent) Bit() int {
	switch {
	case t.Presence != nil:
		return t.Presence.Bit
	case t.Pageview != nil:
		return t.Pageview.Bit
	case t.Session != nil:
		return t.Session.Bit
	case t.Conversion != nil:
		return t.Conversion.Bit
	default:
		return 0
	}
}

// ToTagged converts the wire PrivatizedEvent into the internal tagged union.
// Unknown kinds produce a TaggedEvent with no populated variant; callers must
// check Metric() == "" to detect this.
func (e PrivatizedEvent) ToTagged() TaggedEvent {
	tagged := TaggedEvent{
		SiteID:          e.SiteID,
		EpsilonUsed:     e.EpsilonUsed,
		SamplingRate:    e.SamplingRate,
		ClientTimestamp: e.ClientTimestamp,
	}

	bit := intFromPayload(e.Payload, "randomized_bit")

	switch e.Kind {
	case KindUnique:
		tagged.Presence = &Presence{Bit: bit}
	case KindPageview:
		tagged.Pageview = &Pageview{Bit: bit}
	case KindSession:
		tagged.Session = &Session{Bit: bit}
	case KindConversion:
		typ, _ := e.Payload["conversion_type"].(string)
		if typ == "" {
			typ = "unknown"
		}
		tagged.Conversion = &Conversion{Type: typ, Bit: bit}
	}
	return tagged
}

func intFromPayload(payload map[string]interface{}, key string) int {
	v, ok := payload[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

// IsHistoricalImport reports whether payload carries the historical-import
// bypass flag that exempts a bucket from the minimum-report threshold.
func (e PrivatizedEvent) IsHistoricalImport() bool {
	v, _ := e.Payload["historical_import"].(bool)
	return v
}

// HistoricalValue returns the pre-aggregated value carried by a historical
// import row, defaulting to 0 when absent or malformed.
func (e PrivatizedEvent) HistoricalValue() float64 {
	switch v := e.Payload["value"].(type) {
	case float64:
		if v < 0 {
			return 0
		}
		return v
	default:
		return 0
	}
}

// BatchRequest is the body of POST /shuffle.
type BatchRequest struct {
	Token string            `json:"token"`
	Nonce string            `json:"nonce"`
	Batch []PrivatizedEvent `json:"batch"`
}
