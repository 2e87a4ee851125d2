package protocol

import (
	"encoding/json"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		msgType string
		payload any
	}{
		{
			name:    "Connected",
			msgType: TypeConnected,
			payload: Connected{NodeID: "n_1"},
		},
		{
			name:    "Heartbeat",
			msgType: TypeHeartbeat,
			payload: Heartbeat{Timestamp: 1705312800},
		},
		{
			name:    "Job",
			msgType: TypeJob,
			payload: Job{JobID: "j_abc", Model: "llama3", Prompt: "2+2"},
		},
		{
			name:    "PaymentReceived",
			msgType: TypePaymentReceived,
			payload: PaymentReceived{JobID: "j_abc", Amount: 0.0006, TransactionID: "0xdead"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.msgType, tt.payload)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}

			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Fatalf("Invalid JSON: %v", err)
			}
			if msg.Type != tt.msgType {
				t.Errorf("type = %q, want %q", msg.Type, tt.msgType)
			}
			if len(msg.Payload) == 0 {
				t.Error("payload is empty")
			}
		})
	}
}

func TestDecodePayload(t *testing.T) {
	original := Job{JobID: "j_test", Model: "llama3", Prompt: "hello"}

	data, err := Encode(TypeJob, original)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if msg.Type != TypeJob {
		t.Fatalf("type = %q, want %q", msg.Type, TypeJob)
	}

	got, err := DecodePayload[Job](msg.Payload)
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if got.JobID != original.JobID {
		t.Errorf("JobID = %q, want %q", got.JobID, original.JobID)
	}
	if got.Model != original.Model {
		t.Errorf("Model = %q, want %q", got.Model, original.Model)
	}
}

func TestScanMetadata(t *testing.T) {
	line, _ := json.Marshal(MetadataChunk{Metadata: true, NodeID: "n_1", NodeURL: "http://w:9"})

	nodeID, ok := ScanMetadata(line)
	if !ok {
		t.Fatal("expected metadata chunk to be recognized")
	}
	if nodeID != "n_1" {
		t.Errorf("nodeID = %q, want %q", nodeID, "n_1")
	}

	other, _ := json.Marshal(TokenChunk{Token: "4", Done: false})
	if _, ok := ScanMetadata(other); ok {
		t.Error("token chunk should not be recognized as metadata")
	}
}

func TestScanTerminal(t *testing.T) {
	tok, _ := json.Marshal(TokenChunk{Token: "4", Done: false})
	if _, _, ok := ScanTerminal(tok); ok {
		t.Error("streaming token chunk should not be terminal")
	}

	done, _ := json.Marshal(DoneChunk{Done: true, TokenCounts: TokenCounts{PromptTokens: 5, CompletionTokens: 1, TotalTokens: 6}})
	tc, errText, ok := ScanTerminal(done)
	if !ok {
		t.Fatal("expected done chunk to be terminal")
	}
	if errText != "" {
		t.Errorf("errText = %q, want empty", errText)
	}
	if tc == nil || tc.TotalTokens != 6 {
		t.Errorf("token counts = %+v, want total 6", tc)
	}

	failed, _ := json.Marshal(ErrorChunk{Error: "node crashed", Done: true})
	tc2, errText2, ok2 := ScanTerminal(failed)
	if !ok2 {
		t.Fatal("expected error chunk to be terminal")
	}
	if errText2 != "node crashed" {
		t.Errorf("errText = %q, want %q", errText2, "node crashed")
	}
	if tc2 != nil {
		t.Errorf("token counts = %+v, want nil", tc2)
	}
}

func TestMessageFormat(t *testing.T) {
	data, _ := Encode(TypeConnected, Connected{NodeID: "n_abc123"})

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if raw["type"] != TypeConnected {
		t.Errorf("type = %v, want %q", raw["type"], TypeConnected)
	}
	payload, ok := raw["payload"].(map[string]any)
	if !ok {
		t.Fatal("payload is not an object")
	}
	if payload["node_id"] != "n_abc123" {
		t.Errorf("node_id = %v, want %q", payload["node_id"], "n_abc123")
	}
}
