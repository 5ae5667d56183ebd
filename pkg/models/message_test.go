package models

import "testing"

func TestParseArguments(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantKey   string
		wantValue any
		wantErr   bool
	}{
		{"object", `{"query":"golang","count":3}`, "query", "golang", false},
		{"empty raw is a no-op", "", "", nil, false},
		{"truncated json", `{"query":"gol`, "", nil, true},
		{"array is not an object", `[1,2]`, "", nil, true},
		{"bare string", `"hello"`, "", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := ToolCall{ID: "call-1", Name: "web-search", ArgumentsRaw: tt.raw}
			tc.ParseArguments()

			if tt.wantErr {
				if tc.ParseError == "" {
					t.Fatal("expected parse error")
				}
				if tc.ArgumentsParsed != nil {
					t.Errorf("parsed = %v despite error", tc.ArgumentsParsed)
				}
				return
			}
			if tc.ParseError != "" {
				t.Fatalf("parse error: %s", tc.ParseError)
			}
			if tt.wantKey != "" && tc.ArgumentsParsed[tt.wantKey] != tt.wantValue {
				t.Errorf("parsed = %v", tc.ArgumentsParsed)
			}
		})
	}
}
