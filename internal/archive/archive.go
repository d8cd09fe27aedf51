package archive

import (
	"context"

	"github.com/kubev2v/heap-monitor/internal/store/model"
)

// Archiver publishes the outputs of a completed report somewhere outside the scratch directory.
// It returns the outputs annotated with their archive location.
type Archiver interface {
	Archive(ctx context.Context, report model.Report, outputs map[string]model.Output) (map[string]model.Output, error)
}

type noopArchiver struct{}

// NewNoopArchiver returns an archiver which leaves outputs in place.
func NewNoopArchiver() Archiver {
	return noopArchiver{}
}

func (noopArchiver) Archive(_ context.Context, _ model.Report, outputs map[string]model.Output) (map[string]model.Output, error) {
	return outputs, nil
}
