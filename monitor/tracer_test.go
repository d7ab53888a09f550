package monitor

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/orchestrator/workflow"
)

var _ workflow.Tracer = (*Tracer)(nil)

func TestTracer_StartSpan_RecordsErrorAndExportsSpan(t *testing.T) {
	var buf bytes.Buffer
	tr, err := NewTracer(TracerConfig{ServiceName: "orchestrator-test", Output: &buf})
	require.NoError(t, err)

	ctx, end := tr.StartSpan(context.Background(), "step.dispatch", map[string]string{"step_id": "s1"})
	assert.NotNil(t, ctx)
	end(errors.New("boom"))

	require.NoError(t, tr.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "step.dispatch")
}
