package tool

import (
	"context"
	"time"
)

// EchoSpec advertises the echo tool.
var EchoSpec = Spec{
	Name:        "echo",
	Description: "Return the arguments unchanged.",
	InputSchema: map[string]any{
		"type":                 "object",
		"additionalProperties": true,
	},
}

// TimeNowSpec advertises the time_now tool.
var TimeNowSpec = Spec{
	Name:        "time_now",
	Description: "Return the server's current time.",
	InputSchema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"timezone": map[string]any{
				"type":        "string",
				"description": "IANA zone name, e.g. Europe/London. Defaults to UTC.",
			},
		},
	},
	OutputSchema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"time": map[string]any{"type": "string"},
			"unix": map[string]any{"type": "integer"},
		},
	},
}

// Echo returns args unchanged.
func Echo(args map[string]any) (any, error) {
	return args, nil
}

// TimeNow reports the current time in the requested zone.
func TimeNow(now func() time.Time) Handler {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context, args map[string]any) (any, error) {
		var in struct {
			Timezone string `json:"timezone"`
		}
		if err := DecodeArgs(args, &in); err != nil {
			return nil, err
		}
		loc := time.UTC
		if in.Timezone != "" {
			l, err := time.LoadLocation(in.Timezone)
			if err != nil {
				return nil, err
			}
			loc = l
		}
		t := now().In(loc)
		return map[string]any{
			"time": t.Format(time.RFC3339),
			"unix": t.Unix(),
		}, nil
	}
}

// RegisterBuiltins installs echo and time_now.
func RegisterBuiltins(r *Registry) error {
	if err := r.RegisterFunc(EchoSpec, Echo); err != nil {
		return err
	}
	return r.Register(TimeNowSpec, TimeNow(nil))
}
