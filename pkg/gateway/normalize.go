package gateway

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/feichai0017/tableforge/internal/models"
)

// idKeys are the two casings the backend uses for identifiers.
var idKeys = []string{"id", "Id"}

// ExtractID returns the identifier of a success response. Both "id" and
// "Id" are accepted, as a string or a number.
func ExtractID(env Envelope) (string, bool) {
	for _, key := range idKeys {
		if id := scalarID(env[key]); id != "" {
			return id, true
		}
	}
	return "", false
}

func scalarID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// TaskReport is one poll result.
type TaskReport struct {
	// Status is the server's spelling; see models.ParseServerStatus.
	Status string
	Output *models.Output
}

// reportFrom locates status and output in the three envelope shapes the
// backend has produced:
//
//	{"data": {"status": ..., "output": ...}}
//	{"status": ..., "output": ...}
//	{"output": {"status": ..., "output": ...}}
//
// A bare {"output": {...}} yields a report with an empty Status.
func reportFrom(env Envelope) (TaskReport, bool) {
	if inner, ok := objectOf(env["data"]); ok {
		if _, has := inner["status"]; has {
			return buildReport(inner), true
		}
	}
	if _, has := env["status"]; has {
		return buildReport(env), true
	}
	if inner, ok := objectOf(env["output"]); ok {
		if _, has := inner["status"]; has {
			if _, nested := inner["output"]; !nested {
				// status and payload share one object
				return TaskReport{Status: textOf(inner["status"]), Output: decodeOutput(env["output"])}, true
			}
			return buildReport(inner), true
		}
		// an output without a status is what the backend returns while
		// the job has not reported yet
		return TaskReport{Output: decodeOutput(env["output"])}, true
	}
	return TaskReport{}, false
}

func buildReport(obj Envelope) TaskReport {
	return TaskReport{
		Status: textOf(obj["status"]),
		Output: decodeOutput(obj["output"]),
	}
}

func objectOf(raw json.RawMessage) (Envelope, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, false
	}
	var obj Envelope
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// decodeOutput keeps the raw payload next to the decoded fields. A bare
// string is treated as a failure reason.
func decodeOutput(raw json.RawMessage) *models.Output {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	out := &models.Output{Raw: append(json.RawMessage(nil), raw...)}
	switch raw[0] {
	case '{':
		var body struct {
			ExtractedTables []string `json:"extracted_tables"`
			Reason          string   `json:"reason"`
			Error           string   `json:"error"`
		}
		if err := json.Unmarshal(raw, &body); err == nil {
			out.ExtractedTables = body.ExtractedTables
			out.Reason = body.Reason
			out.Error = body.Error
		}
	case '"':
		out.Reason = textOf(raw)
	}
	return out
}
