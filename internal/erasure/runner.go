package erasure

import (
	"context"

	"github.com/retail-pipeline/etl/internal/dataset"
	"github.com/retail-pipeline/etl/internal/pipeline"
)

// Runner processes file-based erasure requests. The pipeline runner it wraps must be
// built with Service.PipelineOption so valid requests get applied.
type Runner struct {
	pipeline *pipeline.Runner
}

// NewRunner creates a Runner.
func NewRunner(p *pipeline.Runner) *Runner {
	return &Runner{pipeline: p}
}

// RunErasureBatch validates, persists and archives pending erasure-request partitions
// and applies every valid request.
func (r *Runner) RunErasureBatch(ctx context.Context) (*pipeline.RunReport, error) {
	return r.pipeline.RunPartitionBatch(ctx, dataset.KindErasureRequests)
}
