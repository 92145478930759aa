package task

import (
	"encoding/json"
	"fmt"
)

// validKinds enumerates the taskType discriminants accepted by Decode.
var validKinds = map[Kind]bool{
	KindDownload:         true,
	KindUpload:           true,
	KindDataRequest:      true,
	KindParallelDownload: true,
	KindMultiUpload:      true,
}

// Encode serializes a Task to its canonical JSON wire form.
func Encode(t Task) ([]byte, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("task: encoding %s: %w", t.TaskID, err)
	}

	return b, nil
}

// Decode parses a Task from its JSON wire form. Per the dynamic-JSON design
// note, unknown fields are ignored (encoding/json already does this by
// default) and an unrecognized taskType is rejected outright rather than
// silently falling back to a default kind.
func Decode(data []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, fmt.Errorf("task: decoding: %w", err)
	}

	if !validKinds[t.Kind] {
		return Task{}, fmt.Errorf("task: unrecognized taskType %q", t.Kind)
	}

	return t, nil
}
