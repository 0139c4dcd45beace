// Package queue defines the pipeline task types and their payloads so the
// API and the worker agree on the wire format.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// TranscribeSegmentTask is scheduled once per segment after splitting.
	TranscribeSegmentTask = "segment:transcribe"
	// SummarizeSegmentTask is fanned out once every segment is transcribed.
	SummarizeSegmentTask = "segment:summarize"
	// FinalizeSummaryTask runs the single-flight final synthesis.
	FinalizeSummaryTask = "summary:finalize"
)

// Retry ceilings per stage. Transcription failures back off linearly;
// summarization gets more attempts because rate limits are common there.
const (
	transcribeMaxRetry = 3
	summarizeMaxRetry  = 5
	finalizeMaxRetry   = 3
)

// TranscribePayload identifies one segment transcription task.
type TranscribePayload struct {
	JobID    string `json:"job_id"`
	Index    int    `json:"index"`
	Model    string `json:"model"`
	Language string `json:"language"`
}

// SummarizePayload identifies one segment summarization task.
type SummarizePayload struct {
	JobID string `json:"job_id"`
	Index int    `json:"index"`
}

// FinalizePayload identifies one final synthesis task.
type FinalizePayload struct {
	JobID string `json:"job_id"`
}

// Client wraps the asynq client with typed enqueue helpers.
type Client struct {
	inner *asynq.Client
}

// NewClient constructs a Client.
func NewClient(inner *asynq.Client) *Client {
	return &Client{inner: inner}
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.inner.Close() }

// EnqueueTranscribe schedules one segment transcription.
func (c *Client) EnqueueTranscribe(ctx context.Context, p TranscribePayload) error {
	return c.enqueue(ctx, TranscribeSegmentTask, p, transcribeMaxRetry)
}

// EnqueueSummarize schedules one segment summarization.
func (c *Client) EnqueueSummarize(ctx context.Context, p SummarizePayload) error {
	return c.enqueue(ctx, SummarizeSegmentTask, p, summarizeMaxRetry)
}

// EnqueueFinalize schedules the final synthesis.
func (c *Client) EnqueueFinalize(ctx context.Context, p FinalizePayload) error {
	return c.enqueue(ctx, FinalizeSummaryTask, p, finalizeMaxRetry)
}

func (c *Client) enqueue(ctx context.Context, taskType string, payload any, maxRetry int) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(taskType, data)
	if _, err := c.inner.EnqueueContext(ctx, task, asynq.MaxRetry(maxRetry)); err != nil {
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	return nil
}
