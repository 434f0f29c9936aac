package cdp

import (
	"encoding/json"
	"fmt"
)

// Command is an outbound protocol command.
type Command struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// Response is the browser's answer to exactly one Command.
type Response struct {
	ID     int64
	Result json.RawMessage
	Error  *BrowserError
}

// Event is an unsolicited message from the browser. SessionID is empty for
// browser-level events.
type Event struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// Unmarshal decodes the event parameters into v.
func (e Event) Unmarshal(v interface{}) error {
	if len(e.Params) == 0 {
		return nil
	}
	return json.Unmarshal(e.Params, v)
}

// wireMessage is the union of every inbound frame shape.
type wireMessage struct {
	ID        *int64          `json:"id"`
	SessionID string          `json:"sessionId"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	Result    json.RawMessage `json:"result"`
	Error     *wireError      `json:"error"`
}

type wireError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (w *wireError) browserError() *BrowserError {
	be := &BrowserError{Code: w.Code, Message: w.Message}
	if len(w.Data) > 0 {
		var s string
		if err := json.Unmarshal(w.Data, &s); err == nil {
			be.Data = s
		} else {
			be.Data = string(w.Data)
		}
	}
	return be
}

// frame is a classified inbound message: exactly one of response or event is set.
type frame struct {
	response *Response
	event    *Event
}

// decodeFrame classifies a raw inbound frame. A frame carrying an id and no
// method is a response, a frame carrying only a method is an event, anything
// else is malformed and reported as ErrProtocol.
func decodeFrame(data []byte) (frame, error) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return frame{}, fmt.Errorf("%w: decoding frame: %v", ErrProtocol, err)
	}

	if msg.ID != nil {
		if *msg.ID <= 0 {
			return frame{}, fmt.Errorf("%w: invalid id %d", ErrProtocol, *msg.ID)
		}
		if msg.Method != "" {
			return frame{}, fmt.Errorf("%w: frame %d carries both id and method %s", ErrProtocol, *msg.ID, msg.Method)
		}
		resp := &Response{ID: *msg.ID, Result: msg.Result}
		if msg.Error != nil {
			resp.Error = msg.Error.browserError()
		}
		return frame{response: resp}, nil
	}

	if msg.Method != "" {
		return frame{event: &Event{
			Method:    msg.Method,
			Params:    msg.Params,
			SessionID: msg.SessionID,
		}}, nil
	}

	return frame{}, fmt.Errorf("%w: frame has neither id nor method", ErrProtocol)
}

// encodeParams marshals caller supplied params. Raw JSON is passed through.
func encodeParams(params interface{}) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshaling params: %w", err)
	}
	if string(data) == "null" {
		return nil, nil
	}
	return data, nil
}
