package scorers

import (
	"bytes"
	"context"
	"encoding/base64"
	stderrors "errors"
	"fmt"
	"image/png"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sourcegraph/conc/pool"

	"github.com/lightfold/difftune/pkg/core"
	"github.com/lightfold/difftune/pkg/errors"
	"github.com/lightfold/difftune/pkg/logging"
)

const defaultInstruction = "Rate from 0 to 10 how well this image depicts: %s. Respond with only the number."

const (
	scoreMaxAttempts  = 4
	scoreRetryDelay   = 500 * time.Millisecond
	scoreRetryBackoff = 2.0
)

var scorePattern = regexp.MustCompile(`[-+]?\d+(\.\d+)?`)

// ClaudeVision scores rendered outputs by asking a vision model how well
// each image matches its prompt. Rewards are on the model's 0 to 10 scale.
type ClaudeVision struct {
	client      *anthropic.Client
	model       anthropic.Model
	instruction string
	concurrency int
}

// NewClaudeVision builds the scorer. The API key comes from opts or the
// ANTHROPIC_API_KEY environment variable.
func NewClaudeVision(opts Options) (*ClaudeVision, error) {
	apiKey := opts.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New(errors.ConfigurationError, "claude-vision scorer needs an API key")
	}

	model := anthropic.ModelClaudeSonnet4_5_20250929
	if opts.Model != "" {
		model = anthropic.Model(opts.Model)
	}
	instruction := defaultInstruction
	if opts.Prompt != "" {
		instruction = opts.Prompt
	}
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 4
	}

	// The SDK's own retries are turned off; scoring runs its own bounded
	// backoff so every attempt is visible in the log.
	client := anthropic.NewClient(option.WithAPIKey(apiKey), option.WithMaxRetries(0))
	return &ClaudeVision{
		client:      &client,
		model:       model,
		instruction: instruction,
		concurrency: concurrency,
	}, nil
}

func (s *ClaudeVision) RewardSize() int { return 1 }

func (s *ClaudeVision) Score(ctx context.Context, req *core.ScoreRequest) (*core.ScoreResult, error) {
	rewards := make([][]float64, len(req.Outputs))

	p := pool.New().WithContext(ctx).WithCancelOnError().WithMaxGoroutines(s.concurrency)
	for i := range req.Outputs {
		idx := i
		p.Go(func(ctx context.Context) error {
			score, err := s.scoreOne(ctx, req.Outputs[idx], req.Prompts[idx])
			if err != nil {
				return err
			}
			rewards[idx] = []float64{score}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}

	return &core.ScoreResult{
		Rewards:  rewards,
		Metadata: map[string]interface{}{"model": string(s.model)},
	}, nil
}

func (s *ClaudeVision) scoreOne(ctx context.Context, output *core.Tensor, prompt string) (float64, error) {
	img, err := TensorImage(output)
	if err != nil {
		return 0, errors.Wrap(err, errors.ScoringFailed, "failed to render output")
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return 0, errors.Wrap(err, errors.ScoringFailed, "png encoding failed")
	}

	message, err := s.request(ctx, anthropic.MessageNewParams{
		Model:     s.model,
		MaxTokens: 16,
		Messages: []anthropic.MessageParam{
			{
				Role: anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{
					{
						OfImage: &anthropic.ImageBlockParam{
							Source: anthropic.ImageBlockParamSourceUnion{
								OfBase64: &anthropic.Base64ImageSourceParam{
									Data:      base64.StdEncoding.EncodeToString(buf.Bytes()),
									MediaType: anthropic.Base64ImageSourceMediaType("image/png"),
								},
							},
						},
					},
					{
						OfText: &anthropic.TextBlockParam{
							Text: fmt.Sprintf(s.instruction, prompt),
						},
					},
				},
			},
		},
	})
	if err != nil {
		return 0, err
	}
	if message == nil || len(message.Content) == 0 {
		return 0, errors.New(errors.ScoringFailed, "empty response from vision model")
	}

	var text string
	if block := message.Content[0]; block.Type == "text" {
		text = block.Text
	}
	return parseScore(text)
}

// request sends one Messages call with bounded backoff. Rate limits and
// overload clear up on their own and are retried; anything else fails the
// batch immediately.
func (s *ClaudeVision) request(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	var lastErr error
	delay := scoreRetryDelay

	for attempt := 1; attempt <= scoreMaxAttempts; attempt++ {
		message, err := s.client.Messages.New(ctx, params)
		if err == nil {
			return message, nil
		}
		lastErr = err

		var apiErr *anthropic.Error
		if !stderrors.As(err, &apiErr) || !retryableStatus(apiErr.StatusCode) {
			return nil, errors.Wrap(err, errors.ScoringFailed, "vision model request failed")
		}
		if attempt == scoreMaxAttempts {
			break
		}

		logging.GetLogger().Warn(ctx, "vision model returned status %d, retrying in %s (attempt %d/%d)",
			apiErr.StatusCode, delay, attempt, scoreMaxAttempts)
		select {
		case <-ctx.Done():
			return nil, errors.CheckContext(ctx, "vision scoring")
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * scoreRetryBackoff)
	}

	return nil, errors.Wrap(lastErr, errors.ScoringFailed,
		fmt.Sprintf("vision model still failing after %d attempts", scoreMaxAttempts))
}

// retryableStatus reports whether a response status is transient.
func retryableStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 529:
		return true
	default:
		return false
	}
}

// parseScore extracts the first number from the model's reply and clamps it
// to the 0..10 scale.
func parseScore(text string) (float64, error) {
	match := scorePattern.FindString(text)
	if match == "" {
		return 0, errors.Newf(errors.ScoringFailed, "no score in reply %q", text)
	}
	score, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, errors.Wrap(err, errors.ScoringFailed, "unparseable score")
	}
	if score < 0 {
		score = 0
	}
	if score > 10 {
		score = 10
	}
	return score, nil
}
