package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"go.uber.org/zap"
)

// DefaultOutputRetries is how many times a malformed model answer is sent
// back for correction.
const DefaultOutputRetries = 3

// Transcript receives every prompt sent and every answer received.
type Transcript func(op, kind, text string)

// errInvalidOutput marks answers that decoded but failed validation.
var errInvalidOutput = errors.New("invalid model output")

// caller holds the settings shared by the upgrader and the coder.
type caller struct {
	model       Model
	retries     int
	temperature float64
	logger      *zap.Logger
	transcript  Transcript
}

// completeJSON asks the model for a JSON object and decodes it into out.
// Unparseable or rejected answers are retried with the error appended to the
// prompt, up to c.retries times.
func (c *caller) completeJSON(ctx context.Context, op string, comp Completion, out any, validate func() error) error {
	base := comp.Prompt
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			comp.Prompt = fmt.Sprintf("%s\n\nYour previous answer was rejected: %v\nAnswer again with valid JSON only.", base, lastErr)
		}
		c.record(op, "prompt", comp.Prompt)

		text, err := c.model.Complete(ctx, comp)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			c.logger.Warn("model call failed", zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		c.record(op, "response", text)

		if err := decodeJSONObject(text, out); err != nil {
			lastErr = err
			c.logger.Warn("model output not JSON", zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		if err := validate(); err != nil {
			lastErr = err
			c.logger.Warn("model output rejected", zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		return nil
	}
	return fmt.Errorf("after %d attempts: %w", c.retries+1, lastErr)
}

func (c *caller) record(op, kind, text string) {
	if c.transcript != nil {
		c.transcript(op, kind, text)
	}
}

// decodeJSONObject decodes the first JSON object in text, tolerating code
// fences and prose around it. out is reset first so fields of an earlier
// rejected answer never carry over.
func decodeJSONObject(text string, out any) error {
	if v := reflect.ValueOf(out); v.Kind() == reflect.Pointer && !v.IsNil() {
		v.Elem().SetZero()
	}
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return fmt.Errorf("%w: no JSON object in response", errInvalidOutput)
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), out); err != nil {
		return fmt.Errorf("%w: %v", errInvalidOutput, err)
	}
	return nil
}
