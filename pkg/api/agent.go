package api

import (
	"context"

	"atlas/pkg/llm"
)

// AnswerResult is the outcome of a one-shot answer pipeline run.
// SearchUsed reports whether an internet lookup happened before answering,
// so both delivery modes expose the same metadata.
type AnswerResult struct {
	Text       string `json:"text"`
	SearchUsed bool   `json:"search_used"`
}

// Agent defines the orchestration interface the message handler drives.
// One-shot entry points return the completed answer; incremental entry points
// return a finite fragment stream whose concatenated text equals the one-shot
// answer for the same decision outcome.
type Agent interface {
	// AnswerWithHistory runs the full pipeline in one-shot mode.
	AnswerWithHistory(ctx context.Context, query string, history []llm.Message) (*AnswerResult, error)
	// StreamWithHistory runs the full pipeline in incremental mode. All
	// failures are delivered as error chunks; the channel always closes.
	StreamWithHistory(ctx context.Context, query string, history []llm.Message) <-chan llm.StreamChunk
	// SearchAnswer forces the search pipeline for a standalone query.
	SearchAnswer(ctx context.Context, query string) (*AnswerResult, error)
	// SearchStream is the incremental variant of SearchAnswer.
	SearchStream(ctx context.Context, query string) <-chan llm.StreamChunk
	// SearchEnabled reports whether the search capability is registered.
	SearchEnabled() bool
}
