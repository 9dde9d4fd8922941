package engine

import "testing"

func TestValidateHookData_SessionStart(t *testing.T) {
	cases := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{"valid", `{"session_id":"abc","transcript_path":"/tmp/x.jsonl"}`, false},
		{"missing session_id", `{"transcript_path":"/tmp/x.jsonl"}`, true},
		{"empty session_id", `{"session_id":"","transcript_path":"/tmp/x.jsonl"}`, true},
		{"missing transcript_path", `{"session_id":"abc"}`, true},
		{"not an object", `"abc"`, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := validateHookData("session_start", c.data)
			if (err != nil) != c.wantErr {
				t.Errorf("validateHookData(session_start, %q) error = %v, wantErr %v", c.data, err, c.wantErr)
			}
		})
	}
}

func TestValidateHookData_UnregisteredEventTypePassesThrough(t *testing.T) {
	for _, eventType := range []string{"prompt", "stop", "notification", "session_end", "something_unknown"} {
		if err := validateHookData(eventType, `{"anything":"goes"}`); err != nil {
			t.Errorf("validateHookData(%s, ...) = %v, want nil (no schema registered)", eventType, err)
		}
	}
}

func TestValidateHookData_MalformedJSON(t *testing.T) {
	if err := validateHookData("session_start", `{not json`); err == nil {
		t.Error("expected error decoding malformed JSON, got nil")
	}
}
