// Package meter extracts model and token usage from buffered upstream
// responses, both SSE streams and plain JSON bodies.
package meter

import (
	"encoding/json"
	"strings"
	"time"
)

const dataPrefix = "data: "

// Usage is the metered outcome of one upstream response. Model is
// "unknown" when no event named it.
type Usage struct {
	Model               string
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens     int64
}

// TotalTokens sums the four counters.
func (u Usage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheCreationTokens + u.CacheReadTokens
}

type usagePayload struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadTokens     int64 `json:"cache_read_input_tokens"`
}

type sseEvent struct {
	Type    string `json:"type"`
	Model   string `json:"model"`
	Message struct {
		Model string        `json:"model"`
		Usage *usagePayload `json:"usage"`
	} `json:"message"`
	Delta struct {
		Usage *struct {
			OutputTokens *int64 `json:"output_tokens"`
		} `json:"usage"`
	} `json:"delta"`
}

// Parse reads the buffered response body. SSE bodies are walked event
// by event; anything else is treated as a single JSON document. Parse
// never fails: unreadable input degrades to zero counters and an
// unknown model.
func Parse(body []byte, contentType string) Usage {
	usage := Usage{Model: "unknown"}
	if len(body) == 0 {
		return usage
	}
	if strings.HasPrefix(contentType, "text/event-stream") {
		parseSSE(&usage, body)
		return usage
	}

	var root struct {
		Model string        `json:"model"`
		Usage *usagePayload `json:"usage"`
	}
	if err := json.Unmarshal(body, &root); err != nil {
		return usage
	}
	if root.Model != "" {
		usage.Model = root.Model
	}
	if root.Usage != nil {
		usage.InputTokens = root.Usage.InputTokens
		usage.OutputTokens = root.Usage.OutputTokens
		usage.CacheCreationTokens = root.Usage.CacheCreationTokens
		usage.CacheReadTokens = root.Usage.CacheReadTokens
	}
	return usage
}

func parseSSE(usage *Usage, body []byte) {
	text := strings.ToValidUTF8(string(body), "�")
	for _, line := range strings.Split(text, "\n") {
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := strings.TrimSpace(line[len(dataPrefix):])
		if payload == "" || payload == "[DONE]" {
			continue
		}
		var event sseEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			continue
		}
		switch event.Type {
		case "message_start":
			if event.Message.Model != "" {
				usage.Model = event.Message.Model
			}
			if event.Message.Usage != nil {
				usage.InputTokens = event.Message.Usage.InputTokens
				usage.OutputTokens = event.Message.Usage.OutputTokens
				usage.CacheCreationTokens = event.Message.Usage.CacheCreationTokens
				usage.CacheReadTokens = event.Message.Usage.CacheReadTokens
			}
		case "message_delta":
			// Each message_delta carries the running total, so the
			// counter is replaced rather than incremented.
			if event.Delta.Usage != nil && event.Delta.Usage.OutputTokens != nil {
				usage.OutputTokens = *event.Delta.Usage.OutputTokens
			}
		case "content_block_delta", "content_block_start", "message":
			if usage.Model == "unknown" && event.Model != "" {
				usage.Model = event.Model
			}
		}
	}
}

// GenerationTime is the first-to-last token interval in seconds, when
// both timestamps were observed and tokens were produced. Otherwise it
// falls back to the wall-clock processing time.
func GenerationTime(firstToken, lastToken time.Time, outputTokens int64, processingTime float64) float64 {
	if !firstToken.IsZero() && !lastToken.IsZero() && outputTokens > 0 {
		return lastToken.Sub(firstToken).Seconds()
	}
	return processingTime
}

// OutputTPS is output tokens per second over the generation interval.
func OutputTPS(outputTokens int64, generationTime float64) float64 {
	if outputTokens > 0 && generationTime > 0 {
		return float64(outputTokens) / generationTime
	}
	return 0
}
