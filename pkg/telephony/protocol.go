package telephony

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Wire protocol between the media gateway and the orchestrator, one
// websocket per call: JSON text frames for control, binary frames for raw
// PCM16 media in both directions.

const ProtocolVersion1 = "1"

// DecodeError is a malformed or unsupported control frame.
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// CallStart opens a call: the gateway's first control frame.
type CallStart struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	CallRef         string `json:"call_ref"`
	CallerID        string `json:"caller_id"`
	Language        string `json:"language,omitempty"`
	SampleRateHz    int    `json:"sample_rate_hz"`
}

// CallDTMF reports one keypad digit pressed by the caller.
type CallDTMF struct {
	Type  string `json:"type"`
	Digit string `json:"digit"`
}

// CallHangup reports that the leg ended on the carrier side.
type CallHangup struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// PlayDone acknowledges that the gateway finished playing a stream.
type PlayDone struct {
	Type   string `json:"type"`
	PlayID string `json:"play_id"`
}

// TransferResult reports the outcome of a transfer request.
type TransferResult struct {
	Type   string `json:"type"`
	Status string `json:"status"` // "ok" | "no_agent"
}

// Server-to-gateway control frames.

// PlayStart marks the beginning of an outbound audio stream.
type PlayStart struct {
	Type         string `json:"type"`
	PlayID       string `json:"play_id"`
	SampleRateHz int    `json:"sample_rate_hz"`
}

// PlayStop ends an outbound audio stream, either because it completed
// (cancelled=false) or because the orchestrator cut it off.
type PlayStop struct {
	Type      string `json:"type"`
	PlayID    string `json:"play_id"`
	Cancelled bool   `json:"cancelled"`
}

// TransferRequest asks the gateway to bridge the caller to an agent.
type TransferRequest struct {
	Type   string `json:"type"`
	Target string `json:"target"`
}

// HangupRequest ends the leg from the orchestrator side.
type HangupRequest struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// DecodeGatewayMessage parses one JSON control frame from the gateway.
func DecodeGatewayMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "call.start":
		var msg CallStart
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid call.start frame", "")
		}
		if msg.ProtocolVersion != ProtocolVersion1 {
			return nil, unsupported("unsupported protocol_version", "protocol_version")
		}
		if strings.TrimSpace(msg.CallRef) == "" {
			return nil, badRequest("call.start.call_ref is required", "call_ref")
		}
		if strings.TrimSpace(msg.CallerID) == "" {
			return nil, badRequest("call.start.caller_id is required", "caller_id")
		}
		if msg.SampleRateHz <= 0 {
			return nil, badRequest("call.start.sample_rate_hz must be > 0", "sample_rate_hz")
		}
		return msg, nil
	case "call.dtmf":
		var msg CallDTMF
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid call.dtmf frame", "")
		}
		if !validDigit(msg.Digit) {
			return nil, badRequest("call.dtmf.digit must be 0-9, * or #", "digit")
		}
		return msg, nil
	case "call.hangup":
		var msg CallHangup
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid call.hangup frame", "")
		}
		return msg, nil
	case "play.done":
		var msg PlayDone
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid play.done frame", "")
		}
		if strings.TrimSpace(msg.PlayID) == "" {
			return nil, badRequest("play.done.play_id is required", "play_id")
		}
		return msg, nil
	case "transfer.result":
		var msg TransferResult
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid transfer.result frame", "")
		}
		switch msg.Status {
		case "ok", "no_agent":
		default:
			return nil, badRequest("transfer.result.status must be ok or no_agent", "status")
		}
		return msg, nil
	default:
		return nil, unsupported("unknown frame type", "type")
	}
}

func validDigit(d string) bool {
	if len(d) != 1 {
		return false
	}
	c := d[0]
	return (c >= '0' && c <= '9') || c == '*' || c == '#'
}
