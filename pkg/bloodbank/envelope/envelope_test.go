package envelope_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/bloodbank/pkg/bloodbank/envelope"
)

type transcriptReady struct {
	MeetingID string `json:"meeting_id"`
	Title     string `json:"title"`
}

func testSource() envelope.Source {
	return envelope.Source{Host: "test-host", Type: envelope.TriggerManual, App: "test-app"}
}

func TestNew_Defaults(t *testing.T) {
	before := time.Now().UTC()
	e, err := envelope.New("fireflies.transcript.ready", testSource(), transcriptReady{MeetingID: "m1"})
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, e.EventID)
	assert.Equal(t, uuid.Version(4), e.EventID.Version())
	assert.Equal(t, "fireflies.transcript.ready", e.EventType)
	assert.Equal(t, envelope.CurrentVersion, e.Version)
	assert.NotNil(t, e.CorrelationIDs)
	assert.Empty(t, e.CorrelationIDs)
	assert.True(t, e.IsRoot())
	assert.Equal(t, time.UTC, e.Timestamp.Location())
	assert.False(t, e.Timestamp.Before(before.Add(-time.Second)))
	assert.JSONEq(t, `{"meeting_id":"m1","title":""}`, string(e.Payload))
}

func TestNew_Options(t *testing.T) {
	id := uuid.New()
	parent := uuid.New()
	parents := []uuid.UUID{parent}
	ac := &envelope.AgentContext{Type: envelope.AgentClaudeCode, InstanceID: "sess-1"}

	e, err := envelope.New("agent.thread.prompt", testSource(), map[string]string{"prompt": "hi"},
		envelope.WithEventID(id),
		envelope.WithCorrelationIDs(parents...),
		envelope.WithAgentContext(ac),
		envelope.WithVersion("1.1.0"),
	)
	require.NoError(t, err)

	assert.Equal(t, id, e.EventID)
	assert.Equal(t, []uuid.UUID{parent}, e.CorrelationIDs)
	assert.Same(t, ac, e.AgentContext)
	assert.Equal(t, "1.1.0", e.Version)

	// Options copy the parent slice.
	parents[0] = uuid.Nil
	assert.Equal(t, parent, e.CorrelationIDs[0])
}

func TestNew_RawPayload(t *testing.T) {
	e, err := envelope.New("test.event", testSource(), json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(e.Payload))

	e, err = envelope.New("test.event", testSource(), []byte(`[1,2,3]`))
	require.NoError(t, err)
	assert.Equal(t, `[1,2,3]`, string(e.Payload))

	_, err = envelope.New("test.event", testSource(), []byte(`not json`))
	assert.Error(t, err)

	e, err = envelope.New("test.event", testSource(), nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(e.Payload))
}

func TestValidate(t *testing.T) {
	valid := func() *envelope.Envelope {
		e, err := envelope.New("test.event", testSource(), nil)
		require.NoError(t, err)
		return e
	}

	assert.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(e *envelope.Envelope)
		want   error
	}{
		{"empty event type", func(e *envelope.Envelope) { e.EventType = "" }, envelope.ErrEmptyEventType},
		{"nil id", func(e *envelope.Envelope) { e.EventID = uuid.Nil }, envelope.ErrNilEventID},
		{"bad version", func(e *envelope.Envelope) { e.Version = "one" }, envelope.ErrInvalidVersion},
		{"bad trigger", func(e *envelope.Envelope) { e.Source.Type = "cron" }, envelope.ErrInvalidTriggerType},
		{"self reference", func(e *envelope.Envelope) {
			e.CorrelationIDs = []uuid.UUID{uuid.New(), e.EventID}
		}, envelope.ErrSelfReference},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid()
			tt.mutate(e)
			assert.ErrorIs(t, e.Validate(), tt.want)
		})
	}
}

func TestMarshal_WireFormat(t *testing.T) {
	id := uuid.MustParse("6ba7b812-9dad-11d1-80b4-00c04fd430c8")
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	e, err := envelope.New("test.event", testSource(), map[string]int{"n": 1},
		envelope.WithEventID(id), envelope.WithTimestamp(ts))
	require.NoError(t, err)

	data, err := envelope.Marshal(e)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))

	assert.Equal(t, "6ba7b812-9dad-11d1-80b4-00c04fd430c8", wire["event_id"])
	assert.Equal(t, "2025-01-02T03:04:05Z", wire["timestamp"])
	assert.Equal(t, []any{}, wire["correlation_ids"])
	assert.Nil(t, wire["agent_context"])
	assert.Equal(t, "1.0.0", wire["version"])
	assert.Equal(t, map[string]any{"n": float64(1)}, wire["payload"])
}

func TestMarshal_NilCorrelationIDsWrittenAsArray(t *testing.T) {
	e := &envelope.Envelope{
		EventID:   uuid.New(),
		EventType: "test.event",
		Timestamp: time.Now().UTC(),
		Version:   envelope.CurrentVersion,
		Source:    testSource(),
		Payload:   json.RawMessage(`{}`),
	}
	data, err := envelope.Marshal(e)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"correlation_ids":[]`)
}

func TestUnmarshal_NullCorrelationIDs(t *testing.T) {
	data := []byte(`{
		"event_id": "0b9f7a4e-4d0c-4c55-9b7b-0f1b1a3c9d10",
		"event_type": "test.event",
		"timestamp": "2025-01-02T03:04:05Z",
		"version": "1.0.0",
		"source": {"host": "h", "type": "hook"},
		"correlation_ids": null,
		"payload": {"x": true}
	}`)
	e, err := envelope.Unmarshal(data)
	require.NoError(t, err)
	assert.NotNil(t, e.CorrelationIDs)
	assert.Empty(t, e.CorrelationIDs)
	assert.Equal(t, envelope.TriggerHook, e.Source.Type)
}

func TestUnmarshal_Invalid(t *testing.T) {
	_, err := envelope.Unmarshal([]byte(`{"event_id": "not-a-uuid"}`))
	assert.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	parent1, parent2 := uuid.New(), uuid.New()
	e, err := envelope.New("fireflies.transcript.processed", envelope.Source{
		Host: "worker-1",
		Type: envelope.TriggerAgent,
		App:  "rag",
		Meta: map[string]any{"region": "eu"},
	}, transcriptReady{MeetingID: "abc", Title: "Standup"},
		envelope.WithCorrelationIDs(parent1, parent2),
		envelope.WithAgentContext(&envelope.AgentContext{
			Type:           envelope.AgentClaudeCode,
			FileReferences: []string{"main.go"},
			CodeState:      &envelope.CodeState{Branch: "main"},
		}),
	)
	require.NoError(t, err)

	data, err := envelope.Marshal(e)
	require.NoError(t, err)

	got, err := envelope.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, e, got)

	payload, err := envelope.PayloadAs[transcriptReady](got)
	require.NoError(t, err)
	assert.Equal(t, "Standup", payload.Title)
}

func TestRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("marshal then unmarshal preserves every field", prop.ForAll(
		func(eventType, host, value string, parentCount int) bool {
			parents := make([]uuid.UUID, parentCount)
			for i := range parents {
				parents[i] = uuid.New()
			}
			e, err := envelope.New(eventType, envelope.Source{Host: host, Type: envelope.TriggerScheduled},
				map[string]string{"v": value}, envelope.WithCorrelationIDs(parents...))
			if err != nil {
				return false
			}
			data, err := envelope.Marshal(e)
			if err != nil {
				return false
			}
			got, err := envelope.Unmarshal(data)
			if err != nil {
				return false
			}
			return assert.ObjectsAreEqual(e, got)
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AnyString(),
		gen.IntRange(0, 4),
	))

	properties.TestingRun(t)
}
