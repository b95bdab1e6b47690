package broker

import "encoding/json"

// Envelope is the job document producers send to the broker and the broker
// forwards to the worker pool. Recognized keys per the wire contract:
// build_id (required), ignore_filters (optional, default false), and
// correlation_id (optional, a google/uuid string producers set so the same
// job can be traced across the broker's logs and the worker pool's).
type Envelope struct {
	BuildID       int64  `json:"build_id"`
	IgnoreFilters bool   `json:"ignore_filters"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Validate checks that the envelope carries a build_id.
func (e Envelope) Validate() error {
	if e.BuildID <= 0 {
		return errInvalidEnvelope
	}
	return nil
}

func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	return env, env.Validate()
}

// DecodeEnvelope parses and validates a raw job envelope received off a
// socket. Exported for the worker pool, which lives in its own package.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	return decodeEnvelope(raw)
}

func encodeEnvelope(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}
