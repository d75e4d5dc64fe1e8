package requestctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetAgent_and_Agent(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, Agent(ctx))

	ctx2 := SetAgent(ctx, "builder")
	assert.Equal(t, "builder", Agent(ctx2))
	assert.Empty(t, Agent(ctx))

	ctx3 := SetAgent(ctx2, "reviewer")
	assert.Equal(t, "reviewer", Agent(ctx3))
	assert.Equal(t, "builder", Agent(ctx2))
}

func TestCorrelationID_IndependentOfAgent(t *testing.T) {
	ctx := SetCorrelationID(SetAgent(context.Background(), "builder"), "abc-123")
	assert.Equal(t, "abc-123", CorrelationID(ctx))
	assert.Equal(t, "builder", Agent(ctx))
}

func TestCaller_DefaultsEmpty(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", Caller(ctx))
	ctx = SetCaller(ctx, "ci-runner")
	assert.Equal(t, "ci-runner", Caller(ctx))
	assert.Equal(t, "", Agent(ctx))
}
