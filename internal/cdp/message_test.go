package cdp

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		response bool
		event    bool
	}{
		{"result", `{"id":1,"result":{}}`, true, false},
		{"error", `{"id":2,"error":{"code":-32000,"message":"x"}}`, true, false},
		{"session response", `{"id":3,"sessionId":"S1","result":{}}`, true, false},
		{"browser event", `{"method":"Target.targetCreated","params":{}}`, false, true},
		{"session event", `{"method":"Page.loadEventFired","params":{},"sessionId":"S1"}`, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := decodeFrame([]byte(tt.in))
			if err != nil {
				t.Fatalf("decodeFrame: %v", err)
			}
			if (f.response != nil) != tt.response || (f.event != nil) != tt.event {
				t.Errorf("classified %s as response=%v event=%v", tt.in, f.response != nil, f.event != nil)
			}
		})
	}
}

func TestDecodeFrame_Malformed(t *testing.T) {
	for _, in := range []string{``, `nope`, `{}`, `{"params":{}}`, `{"id":0}`, `{"id":-1,"result":{}}`, `"str"`,
		`{"id":5,"method":"Page.loadEventFired","params":{}}`} {
		if _, err := decodeFrame([]byte(in)); !errors.Is(err, ErrProtocol) {
			t.Errorf("decodeFrame(%q) = %v, want ErrProtocol", in, err)
		}
	}
}

func TestDecodeFrame_ResponseWithoutResult(t *testing.T) {
	f, err := decodeFrame([]byte(`{"id":6}`))
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if f.response == nil || f.response.Result != nil || f.response.Error != nil {
		t.Errorf("response = %+v, want id only", f.response)
	}

	f, err = decodeFrame([]byte(`{"id":8,"result":null}`))
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if string(f.response.Result) != "null" {
		t.Errorf("result = %q, want null", f.response.Result)
	}
}

func TestDecodeFrame_ErrorData(t *testing.T) {
	f, err := decodeFrame([]byte(`{"id":7,"error":{"code":-32602,"message":"Invalid params","data":"url: string value expected"}}`))
	if err != nil {
		t.Fatal(err)
	}
	be := f.response.Error
	if be == nil || be.Code != -32602 || be.Data != "url: string value expected" {
		t.Fatalf("error = %+v", be)
	}
	if be.Error() != "browser error -32602: Invalid params (url: string value expected)" {
		t.Errorf("Error() = %q", be.Error())
	}
}

func TestEncodeParams(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want string
	}{
		{"nil", nil, ""},
		{"raw", json.RawMessage(`{"a":1}`), `{"a":1}`},
		{"bytes", []byte(`{"b":2}`), `{"b":2}`},
		{"struct", struct {
			URL string `json:"url"`
		}{"x"}, `{"url":"x"}`},
		{"nil map", map[string]int(nil), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := encodeParams(tt.in)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}
