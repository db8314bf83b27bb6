// Package transport carries wizard actions to the backend: the JSON
// request/response envelope, the HTTP client with its circuit breaker, and
// the single-retry policy for transient failures.
package transport

import (
	"bytes"
	"encoding/json"

	"github.com/livetemplate/wizard"
)

// Backend actions.
const (
	ActionSaveStep       = "save_step"
	ActionCompleteWizard = "complete_wizard"
	ActionLoadCampaign   = "load_campaign"
)

// SessionHeader carries the browsing session identity on every request.
const SessionHeader = "X-Wizard-Session"

// Request is the body posted to the backend.
type Request struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Envelope wraps every backend response.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *EnvelopeError  `json:"error,omitempty"`
}

// EnvelopeError is the normalized {message, code} failure shape.
type EnvelopeError struct {
	Message string            `json:"message"`
	Code    string            `json:"code,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// SaveStepPayload is the payload of ActionSaveStep.
type SaveStepPayload struct {
	Step       wizard.Step     `json:"step"`
	Data       wizard.FieldMap `json:"data"`
	CampaignID string          `json:"campaignId,omitempty"`
}

// CompletePayload is the payload of ActionCompleteWizard.
type CompletePayload struct {
	SaveAsDraft bool   `json:"saveAsDraft"`
	CampaignID  string `json:"campaignId,omitempty"`
}

// LoadCampaignPayload is the payload of ActionLoadCampaign.
type LoadCampaignPayload struct {
	CampaignID string `json:"campaignId"`
}

// CodeInvalidResponse marks a 2xx response whose body is not a clean
// envelope. Its Raw text may still hold one behind leading noise.
const CodeInvalidResponse = "invalid_response"

// ErrorFromEnvelope converts an envelope failure into a classified error.
func ErrorFromEnvelope(status int, e *EnvelopeError) *wizard.Error {
	kind := wizard.KindForStatus(status)
	out := &wizard.Error{Kind: kind, Status: status}
	if e != nil {
		out.Message = e.Message
		out.Code = e.Code
		out.Fields = e.Fields
		switch e.Code {
		case "session_expired":
			out.Kind = wizard.KindSessionExpired
		case "validation":
			out.Kind = wizard.KindValidation
		case "gated":
			out.Kind = wizard.KindGated
		}
	}
	if out.Kind == wizard.KindUnknown {
		out.Kind = wizard.KindServer
	}
	return out
}

// RecoverJSON locates a JSON object embedded in noisy response text, such as
// a PHP notice or proxy banner printed before the real body. It returns the
// first balanced object that decodes, or false.
func RecoverJSON(raw string) (json.RawMessage, bool) {
	data := []byte(raw)
	for start := bytes.IndexByte(data, '{'); start >= 0; {
		if end := matchBrace(data, start); end > start {
			candidate := data[start : end+1]
			if json.Valid(candidate) {
				return json.RawMessage(append([]byte(nil), candidate...)), true
			}
		}
		next := bytes.IndexByte(data[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil, false
}

// matchBrace returns the index of the brace closing the object opened at
// start, honoring string literals, or -1.
func matchBrace(data []byte, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(data); i++ {
		c := data[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// RecoverEnvelope parses the envelope embedded in raw. ok is false when no
// envelope could be found; otherwise a clean envelope returns its data and a
// failed one returns the classified error.
func RecoverEnvelope(raw string) (data json.RawMessage, ok bool, err error) {
	body, found := RecoverJSON(raw)
	if !found {
		return nil, false, nil
	}
	var env Envelope
	if jerr := json.Unmarshal(body, &env); jerr != nil {
		return nil, false, nil
	}
	if env.Success {
		return env.Data, true, nil
	}
	if env.Error != nil {
		return nil, true, ErrorFromEnvelope(200, env.Error)
	}
	return nil, false, nil
}
