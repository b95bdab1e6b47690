package domain

import "strings"

// String renders the output as a single newline-joined string, used by the
// notifier to embed a short log excerpt in a message. When Message is set it
// is returned as is and the lines are not rendered. Otherwise lines are
// rendered in SortedLines order, not raw insertion order, since that's the only ordering
// guaranteed to survive a cache round trip. Rendering beyond this plain join
// (syntax highlighting, truncation to a platform's message size limit) is the
// notifier's concern, not the domain model's.
func (o *Output) String() string {
	if o == nil {
		return ""
	}
	if o.Message != "" {
		return o.Message
	}
	sorted := o.SortedLines()
	lines := make([]string, 0, len(sorted))
	for _, l := range sorted {
		lines = append(lines, l.Out)
	}
	return strings.Join(lines, "\n")
}

// SortedLines returns the output lines ordered by their Pos field, which is
// the order Drone itself assigns but which is not guaranteed to survive JSON
// round-tripping through a cache.
func (o *Output) SortedLines() []OutputLine {
	if o == nil {
		return nil
	}
	lines := make([]OutputLine, len(o.Lines))
	copy(lines, o.Lines)
	for i := 1; i < len(lines); i++ {
		for j := i; j > 0 && lines[j].Pos < lines[j-1].Pos; j-- {
			lines[j], lines[j-1] = lines[j-1], lines[j]
		}
	}
	return lines
}

// NewOutputFromObject builds an Output from a decoded JSON object payload
// that does not conform to the array-of-lines shape. Drone occasionally
// returns a bare object (e.g. {"message": "..."}) instead of a line array for
// steps that failed before producing any structured output; this is treated
// as the Output directly rather than an error. Only the "message" field (or,
// when it is absent, the "error" field) is read here; a "lines" array in the
// object is not decoded by this function.
func NewOutputFromObject(obj map[string]any) *Output {
	out := &Output{}
	if msg, ok := obj["message"].(string); ok {
		out.Message = msg
		return out
	}
	if errMsg, ok := obj["error"].(string); ok {
		out.Message = errMsg
		return out
	}
	return out
}
