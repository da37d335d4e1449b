package rules

import "flowsentry/pkg/models"

// Engine derives tag labels from a single flow record.
type Engine interface {
	Apply(flow *models.FlowRecord) []string
}

// NoopEngine returns no tags.
type NoopEngine struct{}

// Apply returns an empty tag list.
func (n *NoopEngine) Apply(flow *models.FlowRecord) []string {
	return nil
}
