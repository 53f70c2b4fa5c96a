package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phishing-support/pipeline/internal/bus"
	"github.com/phishing-support/pipeline/internal/config"
	"github.com/phishing-support/pipeline/internal/ids"
	"github.com/phishing-support/pipeline/internal/store"
)

type fakeStream struct {
	events chan types.ConverseStreamOutput
	err    error
}

func (f *fakeStream) Events() <-chan types.ConverseStreamOutput { return f.events }
func (f *fakeStream) Close() error                              { return nil }
func (f *fakeStream) Err() error                                { return f.err }

func textDelta(text string) types.ConverseStreamOutput {
	return &types.ConverseStreamOutputMemberContentBlockDelta{
		Value: types.ContentBlockDeltaEvent{
			Delta: &types.ContentBlockDeltaMemberText{Value: text},
		},
	}
}

func messageStop(reason types.StopReason) types.ConverseStreamOutput {
	return &types.ConverseStreamOutputMemberMessageStop{
		Value: types.MessageStopEvent{StopReason: reason},
	}
}

// streamOf returns an opener that replays the given events, recording the
// input it was opened with.
func streamOf(captured **bedrockruntime.ConverseStreamInput, err error, events ...types.ConverseStreamOutput) streamOpener {
	return func(_ context.Context, in *bedrockruntime.ConverseStreamInput) (streamReader, error) {
		if captured != nil {
			*captured = in
		}
		ch := make(chan types.ConverseStreamOutput, len(events))
		for _, ev := range events {
			ch <- ev
		}
		close(ch)
		return &fakeStream{events: ch, err: err}, nil
	}
}

func newTestEngine(t *testing.T, open streamOpener) (*BedrockEngine, sqlmock.Sqlmock, *bus.Subscription) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	b := bus.NewMemoryBus()
	t.Cleanup(func() { b.Close() })
	sub, err := b.Subscribe(bus.Topic(42))
	require.NoError(t, err)
	t.Cleanup(sub.Close)

	cfg := config.BedrockConfig{
		AnalysisModel:   "anthropic.claude-sonnet-4-20250514-v1:0",
		ClassifyModel:   "anthropic.claude-3-5-haiku-20241022-v1:0",
		MaxOutputTokens: 8192,
		TimeoutSeconds:  5,
	}
	cfg.DraftModel = cfg.AnalysisModel

	engine := &BedrockEngine{
		store: store.NewStore(db, ids.NewGenerator(1)),
		bus:   b,
		cfg:   cfg,
		open:  open,
	}
	return engine, mock, sub
}

// drain collects event types seen on the subscription within a short
// window.
func drain(t *testing.T, sub *bus.Subscription, want int) []string {
	t.Helper()
	var kinds []string
	timeout := time.After(2 * time.Second)
	for len(kinds) < want {
		select {
		case raw := <-sub.Events():
			var ev struct {
				Type string `json:"type"`
			}
			require.NoError(t, json.Unmarshal(raw, &ev))
			kinds = append(kinds, ev.Type)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %v", kinds)
		}
	}
	return kinds
}

func TestRunAccumulatesDeltas(t *testing.T) {
	var in *bedrockruntime.ConverseStreamInput
	engine, mock, sub := newTestEngine(t, streamOf(&in, nil,
		textDelta("The site imperson"),
		textDelta("ates a bank login."),
		messageStop(types.StopReasonEndTurn),
	))

	mock.ExpectExec("INSERT INTO analysis_runs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE analysis_runs SET status").WillReturnResult(sqlmock.NewResult(1, 1))

	res, err := engine.Run(context.Background(), RunParams{
		SubmissionID: 42,
		Tier:         TierAnalysis,
		System:       "You review suspected phishing sites.",
		User:         []Content{{Text: "Assess this page."}, {ImagePNG: []byte{0x89, 'P', 'N', 'G'}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "The site impersonates a bank login.", res.Text)
	assert.Nil(t, res.Parsed)

	require.NotNil(t, in)
	assert.Equal(t, "anthropic.claude-sonnet-4-20250514-v1:0", *in.ModelId)
	require.Len(t, in.Messages, 1)
	assert.Len(t, in.Messages[0].Content, 2)

	kinds := drain(t, sub, 5)
	assert.Equal(t, []string{
		"run.created", "run.started",
		"response.output_text.delta", "response.output_text.delta",
		"run.completed",
	}, kinds)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunModelPerTier(t *testing.T) {
	for tier, model := range map[string]string{
		TierAnalysis: "anthropic.claude-sonnet-4-20250514-v1:0",
		TierClassify: "anthropic.claude-3-5-haiku-20241022-v1:0",
		TierDraft:    "anthropic.claude-sonnet-4-20250514-v1:0",
	} {
		t.Run(tier, func(t *testing.T) {
			var in *bedrockruntime.ConverseStreamInput
			engine, mock, _ := newTestEngine(t, streamOf(&in, nil,
				textDelta("ok"), messageStop(types.StopReasonEndTurn)))

			mock.ExpectExec("INSERT INTO analysis_runs").WillReturnResult(sqlmock.NewResult(1, 1))
			mock.ExpectExec("UPDATE analysis_runs SET status").WillReturnResult(sqlmock.NewResult(1, 1))

			_, err := engine.Run(context.Background(), RunParams{SubmissionID: 42, Tier: tier, User: []Content{{Text: "x"}}})
			require.NoError(t, err)
			assert.Equal(t, model, *in.ModelId)
		})
	}
}

func TestRunStructuredOutput(t *testing.T) {
	engine, mock, _ := newTestEngine(t, streamOf(nil, nil,
		textDelta("```json\n{\"phishing\": true}\n```"),
		messageStop(types.StopReasonEndTurn),
	))

	mock.ExpectExec("INSERT INTO analysis_runs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE analysis_runs SET status").WillReturnResult(sqlmock.NewResult(1, 1))

	res, err := engine.Run(context.Background(), RunParams{
		SubmissionID: 42,
		Tier:         TierClassify,
		User:         []Content{{Text: "Classify."}},
		Schema:       json.RawMessage(`{"type":"object","properties":{"phishing":{"type":"boolean"}}}`),
	})
	require.NoError(t, err)

	var v Verdict
	require.NoError(t, ParseStructured(res.Parsed, &v))
	assert.True(t, v.Phishing)
}

func TestRunStructuredOutputMalformed(t *testing.T) {
	engine, mock, _ := newTestEngine(t, streamOf(nil, nil,
		textDelta("I cannot produce JSON here."),
		messageStop(types.StopReasonEndTurn),
	))

	mock.ExpectExec("INSERT INTO analysis_runs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE analysis_runs SET status").WillReturnResult(sqlmock.NewResult(1, 1))

	_, err := engine.Run(context.Background(), RunParams{
		SubmissionID: 42,
		Tier:         TierClassify,
		User:         []Content{{Text: "Classify."}},
		Schema:       json.RawMessage(`{"type":"object"}`),
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRefusal)
}

func TestRunStreamTruncated(t *testing.T) {
	engine, mock, sub := newTestEngine(t, streamOf(nil, nil,
		textDelta("partial outp"),
	))

	mock.ExpectExec("INSERT INTO analysis_runs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE analysis_runs SET status").WillReturnResult(sqlmock.NewResult(1, 1))

	_, err := engine.Run(context.Background(), RunParams{SubmissionID: 42, Tier: TierAnalysis, User: []Content{{Text: "x"}}})
	require.ErrorIs(t, err, ErrStreamTruncated)

	kinds := drain(t, sub, 4)
	assert.Equal(t, "run.failed", kinds[len(kinds)-1])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunRefusal(t *testing.T) {
	engine, mock, _ := newTestEngine(t, streamOf(nil, nil,
		messageStop(types.StopReasonGuardrailIntervened),
	))

	mock.ExpectExec("INSERT INTO analysis_runs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE analysis_runs SET status").WillReturnResult(sqlmock.NewResult(1, 1))

	_, err := engine.Run(context.Background(), RunParams{SubmissionID: 42, Tier: TierAnalysis, User: []Content{{Text: "x"}}})
	require.ErrorIs(t, err, ErrRefusal)
}

func TestRunStreamError(t *testing.T) {
	engine, mock, _ := newTestEngine(t, streamOf(nil, errors.New("connection reset"),
		textDelta("partial"),
	))

	mock.ExpectExec("INSERT INTO analysis_runs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE analysis_runs SET status").WillReturnResult(sqlmock.NewResult(1, 1))

	_, err := engine.Run(context.Background(), RunParams{SubmissionID: 42, Tier: TierAnalysis, User: []Content{{Text: "x"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestRunInputOmitsImageBytes(t *testing.T) {
	raw, err := json.Marshal(runInput{
		Model: "m",
		Tier:  TierAnalysis,
		User:  []runInputPart{{Text: "look"}, {ImageSize: 4096}},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"model":"m","tier":"analysis","user":[{"text":"look"},{"imageSize":4096}]}`, string(raw))
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"bare object", `{"phishing": false}`, `{"phishing": false}`, false},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`, false},
		{"prose wrapped", `Here you go: {"a":1} hope that helps`, `{"a":1}`, false},
		{"no json", "sorry, nothing here", "", true},
		{"invalid json", "{broken", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestParseStructuredRejectsUnknownFields(t *testing.T) {
	var v Verdict
	err := ParseStructured(json.RawMessage(`{"phishing": true, "confidence": 0.9}`), &v)
	assert.Error(t, err)
}
