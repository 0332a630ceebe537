package tool

import (
	"encoding/json"
	"testing"
)

func TestContentResults(t *testing.T) {
	tests := []struct {
		name string
		in   Result
		want string
	}{
		{name: "text", in: TextResult("hi"), want: `{"content":[{"type":"text","text":"hi"}]}`},
		{name: "json", in: JSONResult(map[string]int{"n": 1}), want: `{"content":[{"type":"json","data":{"n":1}}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.in)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}
