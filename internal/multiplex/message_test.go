package multiplex

import (
	"errors"
	"testing"
)

func TestParseInbound(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    inboundMessage
		wantErr bool
	}{
		{
			name:  "audio snake case",
			input: `{"context_id":"A","audio":"AQID","is_final":true}`,
			want:  inboundMessage{kind: inboundAudio, contextID: "A", audio: "AQID", isFinal: true},
		},
		{
			name:  "audio camel case",
			input: `{"contextId":"A","audio":"AQID","isFinal":true}`,
			want:  inboundMessage{kind: inboundAudio, contextID: "A", audio: "AQID", isFinal: true},
		},
		{
			name:  "final flag defaults to false",
			input: `{"context_id":"A","audio":""}`,
			want:  inboundMessage{kind: inboundAudio, contextID: "A"},
		},
		{
			name:  "snake case id wins",
			input: `{"context_id":"A","contextId":"B","audio":""}`,
			want:  inboundMessage{kind: inboundAudio, contextID: "A"},
		},
		{
			name:  "non string snake id falls back to camel",
			input: `{"context_id":7,"contextId":"B","audio":""}`,
			want:  inboundMessage{kind: inboundAudio, contextID: "B"},
		},
		{
			name:  "error with context",
			input: `{"error":"rate_limited","message":"slow down","contextId":"A"}`,
			want:  inboundMessage{kind: inboundError, contextID: "A", code: "rate_limited", message: "slow down"},
		},
		{
			name:  "error without message or context",
			input: `{"error":"internal"}`,
			want:  inboundMessage{kind: inboundError, code: "internal"},
		},
		{
			name:  "audio without context is ignored",
			input: `{"audio":"AQID"}`,
			want:  inboundMessage{kind: inboundIgnored},
		},
		{
			name:  "unknown shape is ignored",
			input: `{"context_id":"A","status":"ready"}`,
			want:  inboundMessage{kind: inboundIgnored, contextID: "A"},
		},
		{
			name:    "malformed",
			input:   `{"context_id":`,
			wantErr: true,
		},
		{
			name:    "not an object",
			input:   `[1,2,3]`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseInbound([]byte(tt.input))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedMessage) {
					t.Fatalf("expected ErrMalformedMessage, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseInbound() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("parseInbound() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRemoteError(t *testing.T) {
	err := &RemoteError{Code: "bad_voice", Message: "unknown voice"}
	if err.Error() != "bad_voice: unknown voice" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, ErrUnroutable) {
		t.Error("remote error should unwrap to ErrUnroutable")
	}

	bare := &RemoteError{Code: "internal"}
	if bare.Error() != "internal" {
		t.Errorf("Error() = %q", bare.Error())
	}
}
