package analysis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/phishing-support/pipeline/internal/bus"
	"github.com/phishing-support/pipeline/internal/config"
	"github.com/phishing-support/pipeline/internal/pkg/logger"
	"github.com/phishing-support/pipeline/internal/store"
)

// streamReader is the slice of the SDK event stream the consumer loop
// needs. The production reader is the SDK's; tests supply channel-backed
// fakes.
type streamReader interface {
	Events() <-chan types.ConverseStreamOutput
	Close() error
	Err() error
}

// streamOpener starts one streaming call.
type streamOpener func(ctx context.Context, in *bedrockruntime.ConverseStreamInput) (streamReader, error)

// BedrockEngine runs model calls through the Bedrock Converse streaming
// API and persists each call as an analysis run.
type BedrockEngine struct {
	store *store.Store
	bus   bus.Bus
	cfg   config.BedrockConfig
	open  streamOpener
}

// NewBedrockEngine builds the production engine. Static credentials from
// cfg are used when set; otherwise the SDK's default chain applies.
func NewBedrockEngine(ctx context.Context, st *store.Store, b bus.Bus, cfg config.BedrockConfig) (*BedrockEngine, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := bedrockruntime.NewFromConfig(awsCfg)

	return &BedrockEngine{
		store: st,
		bus:   b,
		cfg:   cfg,
		open: func(ctx context.Context, in *bedrockruntime.ConverseStreamInput) (streamReader, error) {
			out, err := client.ConverseStream(ctx, in)
			if err != nil {
				return nil, err
			}
			return out.GetStream(), nil
		},
	}, nil
}

func (e *BedrockEngine) modelFor(tier string) string {
	switch tier {
	case TierClassify:
		return e.cfg.ClassifyModel
	case TierDraft:
		return e.cfg.DraftModel
	default:
		return e.cfg.AnalysisModel
	}
}

// runInput is what gets persisted as the run's input column. Image bytes
// are recorded by size only.
type runInput struct {
	Model  string          `json:"model"`
	Tier   string          `json:"tier"`
	System string          `json:"system,omitempty"`
	User   []runInputPart  `json:"user"`
	Schema json.RawMessage `json:"schema,omitempty"`
}

type runInputPart struct {
	Text      string `json:"text,omitempty"`
	ImageSize int    `json:"imageSize,omitempty"`
}

// Run executes one model call. The run row is persisted before the
// stream is opened so a crash mid-stream leaves an auditable running
// row, and every stream delta is republished on the submission's topic.
func (e *BedrockEngine) Run(ctx context.Context, p RunParams) (*Result, error) {
	model := e.modelFor(p.Tier)
	topic := bus.Topic(p.SubmissionID)

	input := runInput{Model: model, Tier: p.Tier, System: p.System, Schema: p.Schema}
	for _, c := range p.User {
		part := runInputPart{Text: c.Text, ImageSize: len(c.ImagePNG)}
		input.User = append(input.User, part)
	}
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal run input: %w", err)
	}

	runID, err := e.store.CreateRun(ctx, p.SubmissionID, store.RawJSON(inputJSON))
	if err != nil {
		return nil, fmt.Errorf("create analysis run: %w", err)
	}
	e.publish(ctx, topic, map[string]any{"type": "run.created", "runId": fmt.Sprint(runID)})
	logger.Info("analysis run started", "runId", runID, "submissionId", p.SubmissionID, "tier", p.Tier, "model", model)

	text, err := e.stream(ctx, topic, runID, model, p)
	if err != nil {
		if ferr := e.store.FailRun(ctx, runID); ferr != nil {
			logger.Error("mark run failed", "runId", runID, "error", ferr)
		}
		e.publish(ctx, topic, map[string]any{"type": "run.failed", "runId": fmt.Sprint(runID), "error": err.Error()})
		return nil, err
	}

	res := &Result{RunID: runID, Text: text}
	if len(p.Schema) > 0 {
		parsed, perr := ExtractJSON(text)
		if perr != nil {
			if ferr := e.store.FailRun(ctx, runID); ferr != nil {
				logger.Error("mark run failed", "runId", runID, "error", ferr)
			}
			e.publish(ctx, topic, map[string]any{"type": "run.failed", "runId": fmt.Sprint(runID), "error": perr.Error()})
			return nil, perr
		}
		res.Parsed = parsed
	}

	outputJSON, err := json.Marshal(map[string]any{"text": text})
	if err != nil {
		return nil, fmt.Errorf("marshal run output: %w", err)
	}
	if err := e.store.CompleteRun(ctx, runID, store.RawJSON(outputJSON)); err != nil {
		return nil, fmt.Errorf("complete analysis run: %w", err)
	}
	e.publish(ctx, topic, map[string]any{"type": "run.completed", "runId": fmt.Sprint(runID), "text": text})
	logger.Info("analysis run completed", "runId", runID, "chars", len(text))
	return res, nil
}

// stream opens the model call and drains its event stream, returning the
// accumulated output text.
func (e *BedrockEngine) stream(ctx context.Context, topic string, runID int64, model string, p RunParams) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout())
	defer cancel()

	var content []types.ContentBlock
	for _, c := range p.User {
		if c.Text != "" {
			content = append(content, &types.ContentBlockMemberText{Value: c.Text})
		}
		if len(c.ImagePNG) > 0 {
			content = append(content, &types.ContentBlockMemberImage{Value: types.ImageBlock{
				Format: types.ImageFormatPng,
				Source: &types.ImageSourceMemberBytes{Value: c.ImagePNG},
			}})
		}
	}

	in := &bedrockruntime.ConverseStreamInput{
		ModelId: aws.String(model),
		Messages: []types.Message{{
			Role:    types.ConversationRoleUser,
			Content: content,
		}},
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(e.cfg.MaxOutputTokens)),
		},
	}
	if p.System != "" {
		in.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: p.System}}
	}
	if len(p.Schema) > 0 {
		in.System = append(in.System, &types.SystemContentBlockMemberText{
			Value: "Respond with a single JSON document matching this schema, and nothing else:\n" + string(p.Schema),
		})
	}

	e.publish(ctx, topic, map[string]any{"type": "run.started", "runId": fmt.Sprint(runID)})

	reader, err := e.open(ctx, in)
	if err != nil {
		return "", fmt.Errorf("converse stream: %w", err)
	}
	defer reader.Close()

	var (
		text    string
		sawStop bool
		refused bool
	)
	for event := range reader.Events() {
		switch ev := event.(type) {
		case *types.ConverseStreamOutputMemberContentBlockDelta:
			switch delta := ev.Value.Delta.(type) {
			case *types.ContentBlockDeltaMemberText:
				text += delta.Value
				e.publish(ctx, topic, map[string]any{
					"type":  "response.output_text.delta",
					"runId": fmt.Sprint(runID),
					"delta": delta.Value,
				})
			case *types.ContentBlockDeltaMemberReasoningContent:
				if rc, ok := delta.Value.(*types.ReasoningContentBlockDeltaMemberText); ok {
					e.publish(ctx, topic, map[string]any{
						"type":  "response.reasoning_summary_text.delta",
						"runId": fmt.Sprint(runID),
						"delta": rc.Value,
					})
				}
			}
		case *types.ConverseStreamOutputMemberMessageStop:
			sawStop = true
			switch ev.Value.StopReason {
			case types.StopReasonGuardrailIntervened, types.StopReasonContentFiltered:
				refused = true
			}
		}
	}
	if err := reader.Err(); err != nil {
		return "", fmt.Errorf("converse stream: %w", err)
	}
	if refused {
		return "", ErrRefusal
	}
	if !sawStop {
		return "", ErrStreamTruncated
	}
	return text, nil
}

func (e *BedrockEngine) publish(ctx context.Context, topic string, payload any) {
	if err := e.bus.Publish(ctx, topic, payload); err != nil {
		logger.Warn("publish run event", "topic", topic, "error", err)
	}
}
