package metrics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Conceptual-Machines/nativeads-api/internal/llm"
)

type fakePutter struct {
	mu    sync.Mutex
	names []string
}

func (f *fakePutter) PutMetricData(_ context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range in.MetricData {
		f.names = append(f.names, aws.ToString(d.MetricName))
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

type countingRecorder struct {
	Nop
	loops int
}

func (c *countingRecorder) RecordLoopOutcome(context.Context, string, int, time.Duration) {
	c.loops++
}

func TestNewClient_DisabledOutsideProduction(t *testing.T) {
	client, err := NewClient(context.Background(), "development")
	require.NoError(t, err)
	assert.False(t, client.enabled)

	// No panics when disabled
	client.RecordAPIRequest(context.Background(), "/api/health", 200, time.Millisecond)
	client.RecordLoopOutcome(context.Background(), "passed", 1, time.Second)
}

func TestClient_PutsMetrics(t *testing.T) {
	putter := &fakePutter{}
	client := &Client{client: putter, enabled: true, environment: "test"}

	client.RecordAPIRequest(context.Background(), "/api/generate", 503, time.Second)
	client.RecordTokenUsage(context.Background(), "gpt-5-mini", llm.Usage{InputTokens: 3, OutputTokens: 4, TotalTokens: 7})
	client.RecordSynthesis(context.Background(), "google/imagen-4", time.Second, true)
	client.RecordLoopOutcome(context.Background(), "passed", 2, time.Minute)

	assert.Equal(t, []string{
		"APIErrors", "APILatency",
		"Tokens/Total", "Tokens/Input", "Tokens/Output",
		"SynthesisDuration",
		"LoopRuns", "LoopAttempts", "LoopDuration",
	}, putter.names)
}

func TestMulti(t *testing.T) {
	a, b := &countingRecorder{}, &countingRecorder{}
	multi := NewMulti(a, nil, b)
	require.Len(t, multi, 2)

	multi.RecordLoopOutcome(context.Background(), "passed", 1, time.Second)
	assert.Equal(t, 1, a.loops)
	assert.Equal(t, 1, b.loops)
}

func TestSentryMetrics_NoHub(t *testing.T) {
	m := NewSentryMetrics()
	assert.NotPanics(t, func() {
		m.RecordAPIRequest(context.Background(), "/api/health", 200, time.Millisecond)
		m.RecordTokenUsage(context.Background(), "gpt-5-mini", llm.Usage{TotalTokens: 1})
		m.RecordSynthesis(context.Background(), "openai/gpt-image-1", time.Second, false)
		m.RecordLoopOutcome(context.Background(), "synthesis-error", 1, time.Second)
	})
}
