package protocol

import (
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"perforay/internal/model"
)

func TestDecodeScanRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		text    string
		want    string
		wantErr error
	}{
		{name: "valid", text: `{"uri":"http://example.com"}`, want: "http://example.com"},
		{name: "extra fields ignored", text: `{"uri":"https://example.com/a?b=1","depth":3}`, want: "https://example.com/a?b=1"},
		{name: "wrong case", text: `{"Uri":"x"}`, wantErr: ErrMalformedMessage},
		{name: "wrong case absolute", text: `{"URI":"http://example.com"}`, wantErr: ErrMalformedMessage},
		{name: "missing field", text: `{}`, wantErr: ErrMalformedMessage},
		{name: "not a string", text: `{"uri":42}`, wantErr: ErrMalformedMessage},
		{name: "relative", text: `{"uri":"/index.html"}`, wantErr: ErrMalformedMessage},
		{name: "no host", text: `{"uri":"mailto:someone"}`, wantErr: ErrMalformedMessage},
		{name: "null", text: `null`, wantErr: ErrMalformedMessage},
		{name: "array", text: `["http://example.com"]`, wantErr: ErrMalformedMessage},
		{name: "not json", text: `{not json`, wantErr: ErrMalformedMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeScanRequest(tt.text)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.URI.String() != tt.want {
				t.Fatalf("got %q want %q", got.URI.String(), tt.want)
			}
		})
	}
}

func TestEncodeUsesCamelCase(t *testing.T) {
	t.Parallel()

	target, _ := url.Parse("http://example.com/")
	started, err := Encode(NewMeasureStarted(target))
	if err != nil {
		t.Fatalf("encode started: %v", err)
	}
	if string(started) != `{"type":"measure_started","uri":"http://example.com/"}` {
		t.Fatalf("unexpected started message: %s", started)
	}

	ended, err := Encode(NewMeasureEnded(model.DocumentResult{
		URI:           "http://example.com/",
		StatusCode:    200,
		ContentType:   "text/html",
		ContentLength: 512,
		DownloadTime:  42,
	}))
	if err != nil {
		t.Fatalf("encode ended: %v", err)
	}
	var doc map[string]map[string]any
	if err := json.Unmarshal(ended, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	result := doc["result"]
	for _, key := range []string{"uri", "statusCode", "contentType", "contentLength", "downloadTime"} {
		if _, ok := result[key]; !ok {
			t.Fatalf("missing %q in %s", key, ended)
		}
	}
	if !strings.Contains(string(ended), `"type":"measure_ended"`) {
		t.Fatalf("missing type discriminator: %s", ended)
	}
}

func TestEncodeResultHasNoEnvelope(t *testing.T) {
	t.Parallel()

	res := &model.ScanResult{
		ID:        "id-1",
		Target:    "http://example.com/",
		StartedAt: time.Unix(0, 0).UTC(),
		Pages: []model.DocumentResult{
			{URI: "http://example.com/", DownloadTime: 300},
			{URI: "http://example.com/a", DownloadTime: 100},
			{URI: "http://example.com/b", DownloadTime: 200},
		},
	}
	data, err := Encode(res)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var doc struct {
		Type  *string `json:"type"`
		Pages []struct {
			DownloadTime int64 `json:"downloadTime"`
		} `json:"pages"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc.Type != nil {
		t.Fatalf("terminal message must not carry a type: %s", data)
	}
	got := []int64{doc.Pages[0].DownloadTime, doc.Pages[1].DownloadTime, doc.Pages[2].DownloadTime}
	if got[0] != 300 || got[1] != 100 || got[2] != 200 {
		t.Fatalf("page order changed: %v", got)
	}
}

func TestEncodeFailureIsCodecError(t *testing.T) {
	t.Parallel()

	_, err := Encode(map[string]any{"bad": make(chan int)})
	if !errors.Is(err, ErrCodec) {
		t.Fatalf("expected ErrCodec, got %v", err)
	}
}

func TestEventMessage(t *testing.T) {
	t.Parallel()

	target, _ := url.Parse("https://example.com/x")
	msg, err := EventMessage(model.MeasurementStarted{Target: target})
	if err != nil {
		t.Fatalf("started: %v", err)
	}
	if m, ok := msg.(MeasureStarted); !ok || m.URI != "https://example.com/x" || MessageType(m) != MsgTypeMeasureStarted {
		t.Fatalf("unexpected started message: %#v", msg)
	}

	msg, err = EventMessage(model.MeasurementEnded{Document: model.DocumentResult{URI: "https://example.com/x"}})
	if err != nil {
		t.Fatalf("ended: %v", err)
	}
	if MessageType(msg) != MsgTypeMeasureEnded {
		t.Fatalf("unexpected ended message: %#v", msg)
	}

	if _, err := EventMessage(model.MeasurementStarted{}); !errors.Is(err, ErrCodec) {
		t.Fatalf("expected ErrCodec for missing target, got %v", err)
	}

	var started *model.MeasurementStarted
	var ended *model.MeasurementEnded
	for _, ev := range []model.ScanEvent{started, ended} {
		if _, err := EventMessage(ev); !errors.Is(err, ErrCodec) {
			t.Fatalf("expected ErrCodec for nil %T, got %v", ev, err)
		}
	}
	if msg, err := EventMessage(&model.MeasurementStarted{Target: target}); err != nil || MessageType(msg) != MsgTypeMeasureStarted {
		t.Fatalf("pointer event: %#v, %v", msg, err)
	}
}
