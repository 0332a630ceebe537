package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/mattjoyce/mcplocal/internal/audit"
	"github.com/mattjoyce/mcplocal/internal/log"
	"github.com/mattjoyce/mcplocal/internal/protocol"
	"github.com/mattjoyce/mcplocal/internal/tool"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json") // Suppress logs in tests
	os.Exit(m.Run())
}

func newRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	reg := tool.NewRegistry()
	require.NoError(t, reg.RegisterFunc(tool.EchoSpec, tool.Echo))
	require.NoError(t, reg.RegisterFunc(tool.Spec{Name: "fail"}, func(map[string]any) (any, error) {
		return nil, errors.New("handler exploded")
	}))
	require.NoError(t, reg.RegisterFunc(tool.Spec{Name: "panic"}, func(map[string]any) (any, error) {
		panic("handler panicked")
	}))
	return reg
}

// serve runs the loop over input and returns every response line decoded.
func serve(t *testing.T, d *Dispatcher, input string) ([]map[string]any, error) {
	t.Helper()
	var out bytes.Buffer
	err := d.Serve(context.Background(), strings.NewReader(input), &out)

	var lines []map[string]any
	for _, raw := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if raw == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(raw), &m), "response line: %s", raw)
		lines = append(lines, m)
	}
	return lines, err
}

func errorCode(t *testing.T, resp map[string]any) float64 {
	t.Helper()
	e, ok := resp["error"].(map[string]any)
	require.True(t, ok, "expected error response, got %v", resp)
	return e["code"].(float64)
}

func TestServeScenarios(t *testing.T) {
	reg := tool.NewRegistry()
	require.NoError(t, reg.RegisterFunc(tool.EchoSpec, tool.Echo))
	d, err := New("local", reg)
	require.NoError(t, err)

	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","args":{"x":1}}}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"missing"}}`,
	}, "\n") + "\n"

	resps, err := serve(t, d, input)
	require.NoError(t, err)
	require.Len(t, resps, 3)

	assert.Equal(t, float64(1), resps[0]["id"])
	tools := resps[0]["result"].(map[string]any)["tools"].([]any)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].(map[string]any)["name"])

	assert.Equal(t, float64(2), resps[1]["id"])
	assert.Equal(t, map[string]any{"x": float64(1)}, resps[1]["result"])

	assert.Equal(t, float64(3), resps[2]["id"])
	msg := resps[2]["error"].(map[string]any)["message"].(string)
	assert.Contains(t, msg, "missing")
}

func TestServeProtocolErrors(t *testing.T) {
	tests := []struct {
		name string
		line string
		code int
		id   any
	}{
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`, protocol.CodeMethodNotFound, float64(1)},
		{"params array", `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":[1,2]}`, protocol.CodeInvalidParams, float64(2)},
		{"params string", `{"jsonrpc":"2.0","id":3,"method":"tools/list","params":"x"}`, protocol.CodeInvalidParams, float64(3)},
		{"call without name", `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{}}`, protocol.CodeInvalidParams, float64(4)},
		{"call with non-object args", `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"echo","args":[1]}}`, protocol.CodeInvalidParams, float64(5)},
		{"malformed line", `{"jsonrpc":"2.0","id":6,`, protocol.CodeParseError, nil},
		{"non-object line", `42`, protocol.CodeParseError, nil},
		{"wrong version", `{"jsonrpc":"1.0","id":"v","method":"tools/list"}`, protocol.CodeInvalidRequest, "v"},
		{"missing method", `{"jsonrpc":"2.0","id":7}`, protocol.CodeInvalidRequest, float64(7)},
		{"tool error", `{"jsonrpc":"2.0","id":8,"method":"tools/call","params":{"name":"fail"}}`, protocol.CodeToolError, float64(8)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New("local", newRegistry(t))
			require.NoError(t, err)

			resps, err := serve(t, d, tt.line+"\n")
			require.NoError(t, err)
			require.Len(t, resps, 1)
			assert.Equal(t, "2.0", resps[0]["jsonrpc"])
			assert.Equal(t, float64(tt.code), errorCode(t, resps[0]))
			assert.Equal(t, tt.id, resps[0]["id"])
			assert.NotContains(t, resps[0], "result")
		})
	}
}

func TestServeSurvivesHandlerFailures(t *testing.T) {
	d, err := New("local", newRegistry(t))
	require.NoError(t, err)

	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"panic"}}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"fail"}}`,
		`not json at all`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"echo","arguments":{"ok":true}}}`,
	}, "\n")

	resps, err := serve(t, d, input)
	require.NoError(t, err)
	require.Len(t, resps, 4)

	panicErr := resps[0]["error"].(map[string]any)
	assert.Equal(t, float64(protocol.CodeToolError), panicErr["code"])
	assert.Equal(t, "handler panicked", panicErr["message"])
	trace := panicErr["data"].(map[string]any)["trace"].(string)
	assert.NotEmpty(t, trace)

	assert.Equal(t, "handler exploded", resps[1]["error"].(map[string]any)["message"])
	assert.Equal(t, float64(protocol.CodeParseError), errorCode(t, resps[2]))
	assert.Equal(t, map[string]any{"ok": true}, resps[3]["result"])
}

func TestServeInitializeAndShutdown(t *testing.T) {
	d, err := New("mcplocal-test", newRegistry(t))
	require.NoError(t, err)

	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05"}}`,
		`{"jsonrpc":"2.0","id":2,"method":"shutdown"}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/list"}`,
	}, "\n") + "\n"

	resps, err := serve(t, d, input)
	require.NoError(t, err)
	require.Len(t, resps, 2, "nothing is answered after shutdown")

	assert.Equal(t, map[string]any{"serverName": "mcplocal-test", "protocol": "jsonrpc2"}, resps[0]["result"])
	assert.Equal(t, map[string]any{"ok": true}, resps[1]["result"])
}

func TestServeNotificationsAndDialects(t *testing.T) {
	d, err := New("local", newRegistry(t))
	require.NoError(t, err)

	input := strings.Join([]string{
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		``,
		`{"id":9,"method":"tools/call","params":{"name":"echo","args":{"legacy":1}}}`,
	}, "\n") + "\n"

	resps, err := serve(t, d, input)
	require.NoError(t, err)
	require.Len(t, resps, 1, "notifications are never answered")
	assert.Equal(t, float64(9), resps[0]["id"])
	assert.Equal(t, "2.0", resps[0]["jsonrpc"])
	assert.Equal(t, map[string]any{"legacy": float64(1)}, resps[0]["result"])
}

func TestServeStringIDEchoed(t *testing.T) {
	d, err := New("local", newRegistry(t))
	require.NoError(t, err)

	var out bytes.Buffer
	err = d.Serve(context.Background(), strings.NewReader(`{"jsonrpc":"2.0","id":"req-1","method":"tools/list"}`+"\n"), &out)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out.String(), `{"jsonrpc":"2.0","id":"req-1",`), out.String())
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, io.ErrClosedPipe }

type errWriter struct{}

func (errWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestServeTransportFailures(t *testing.T) {
	d, err := New("local", newRegistry(t))
	require.NoError(t, err)

	err = d.Serve(context.Background(), errReader{}, io.Discard)
	var te *protocol.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "read", te.Op)

	err = d.Serve(context.Background(), strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`+"\n"), errWriter{})
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "write", te.Op)
}

func TestServeCancelledContext(t *testing.T) {
	d, err := New("local", newRegistry(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out bytes.Buffer
	err = d.Serve(ctx, strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`+"\n"), &out)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, out.Len())
}

func TestServeAuditsEveryRequest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	al := audit.Open(path, audit.Options{})
	defer al.Close()

	d, err := New("local", newRegistry(t), WithAudit(al), WithSessionID("sess-42"))
	require.NoError(t, err)

	long := strings.Repeat("z", 5000)
	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","args":{"text":"` + long + `"}}}`,
		`{"jsonrpc":"2.0","id":2,"method":"nope"}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`garbage`,
	}, "\n") + "\n"

	_, err = serve(t, d, input)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 4)

	var first audit.Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "sess-42", first.Session)
	assert.Equal(t, "tools/call", first.Method)
	assert.Equal(t, "echo", first.Tool)
	assert.True(t, first.OK)
	require.NotNil(t, first.ResultSize)
	assert.Greater(t, *first.ResultSize, 5000)
	text := first.Args.(map[string]any)["text"].(string)
	assert.True(t, strings.HasSuffix(text, audit.TruncationMarker))
	assert.Less(t, len(text), 5000)

	var second audit.Event
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.False(t, second.OK)
	assert.Contains(t, second.Error, "Method not found")

	var third audit.Event
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &third))
	assert.Equal(t, "notifications/initialized", third.Method)
	assert.Nil(t, third.ResultSize)

	var fourth audit.Event
	require.NoError(t, json.Unmarshal([]byte(lines[3]), &fourth))
	assert.False(t, fourth.OK)
	assert.Equal(t, "Parse error", fourth.Error)
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

func TestServeTelemetry(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	d, err := New("local", newRegistry(t),
		WithMeter(mp.Meter("test")),
		WithTracer(tp.Tracer("test")),
	)
	require.NoError(t, err)

	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","args":{}}}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"fail"}}`,
	}, "\n") + "\n"
	_, err = serve(t, d, input)
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "mcplocal.dispatch", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	requests := findMetric(&rm, "mcplocal.requests")
	require.NotNil(t, requests)
	sum, ok := requests.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	assert.Equal(t, int64(2), total)

	failures := findMetric(&rm, "mcplocal.request.failures")
	require.NotNil(t, failures)
	fsum := failures.Data.(metricdata.Sum[int64])
	require.Len(t, fsum.DataPoints, 1)
	assert.Equal(t, int64(1), fsum.DataPoints[0].Value)

	duration := findMetric(&rm, "mcplocal.request.duration")
	require.NotNil(t, duration)
	_, ok = duration.Data.(metricdata.Histogram[float64])
	assert.True(t, ok)
}

func TestServeEchoPreservesLargeIntegers(t *testing.T) {
	d, err := New("local", newRegistry(t))
	require.NoError(t, err)

	input := `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","args":{"x":9007199254740993,"y":-12345678901234567890,"z":1.5}}}` + "\n"
	var out bytes.Buffer
	require.NoError(t, d.Serve(context.Background(), strings.NewReader(input), &out))

	var resp struct {
		Result json.RawMessage `json:"result"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.JSONEq(t, `{"x":9007199254740993,"y":-12345678901234567890,"z":1.5}`, string(resp.Result))
	assert.Contains(t, string(resp.Result), "9007199254740993")
}

// clockedReader and clockedWriter advance a fake clock on every call so the
// measured duration is known exactly.
type clockedReader struct {
	r       io.Reader
	advance func()
}

func (c clockedReader) Read(p []byte) (int, error) {
	c.advance()
	return c.r.Read(p)
}

type clockedWriter struct {
	w       io.Writer
	advance func()
}

func (c clockedWriter) Write(p []byte) (int, error) {
	c.advance()
	return c.w.Write(p)
}

func TestServeTimesFromReadStartToWriteEnd(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cur := base
	now := func() time.Time { return cur }

	path := filepath.Join(t.TempDir(), "audit.jsonl")
	al := audit.Open(path, audit.Options{})
	defer al.Close()

	d, err := New("local", newRegistry(t), WithAudit(al), WithClock(now))
	require.NoError(t, err)

	in := clockedReader{
		r:       strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}` + "\n"),
		advance: func() { cur = cur.Add(2 * time.Second) },
	}
	var buf bytes.Buffer
	out := clockedWriter{w: &buf, advance: func() { cur = cur.Add(time.Second) }}
	require.NoError(t, d.Serve(context.Background(), in, out))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var ev audit.Event
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &ev))
	assert.True(t, base.Equal(ev.TS), "ts %v", ev.TS)
	assert.Equal(t, float64(3000), ev.DurationMS)
}
