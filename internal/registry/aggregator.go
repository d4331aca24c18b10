package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/nbjstest/internal/controller"
	"github.com/harrison/nbjstest/internal/models"
)

// Logger receives section progress and the run summary.
type Logger interface {
	LogSectionStart(section string, mode models.AuthMode)
	LogSectionResult(result models.SectionResult) error
	LogSummary(result models.RunResult)
}

// runStartLogger is implemented by loggers that record a run header.
type runStartLogger interface {
	LogRunStart(runID string, sections []string) error
}

// authModer is implemented by controllers that know their auth mode up front.
type authModer interface {
	AuthMode() models.AuthMode
}

// Aggregator runs every section from a factory, one at a time in registry
// order, and combines the results. A failing section never cancels its
// siblings.
//
// Sections are never overlapped: the toggle tool writes the --sys-prefix
// extension config, which every section shares, so a runner must only see
// the state its own section applied.
type Aggregator struct {
	factory    ControllerFactory
	logger     Logger
	runSection func(ctx context.Context, c controller.Controller) models.SectionResult
}

// NewAggregator creates an Aggregator. logger may be nil.
func NewAggregator(factory ControllerFactory, logger Logger) *Aggregator {
	return &Aggregator{
		factory:    factory,
		logger:     logger,
		runSection: controller.Run,
	}
}

// Run drives every section to a terminal state. The error is non-nil only
// when the factory could not build the controllers; section failures are
// reported through the RunResult.
func (a *Aggregator) Run(ctx context.Context) (models.RunResult, error) {
	result := models.RunResult{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
	}

	controllers, err := a.factory.ListControllers()
	if err != nil {
		return result, fmt.Errorf("failed to build section controllers: %w", err)
	}

	if l, ok := a.logger.(runStartLogger); ok {
		names := make([]string, 0, len(controllers))
		for _, c := range controllers {
			names = append(names, c.Section())
		}
		l.LogRunStart(result.RunID, names)
	}

	results := make([]models.SectionResult, 0, len(controllers))
	for _, c := range controllers {
		results = append(results, a.runOne(ctx, c))
	}

	result.Sections = results
	result.Duration = time.Since(result.StartedAt)

	if a.logger != nil {
		a.logger.LogSummary(result)
	}
	return result, nil
}

func (a *Aggregator) runOne(ctx context.Context, c controller.Controller) models.SectionResult {
	if a.logger != nil {
		mode := models.AuthNone
		if m, ok := c.(authModer); ok {
			mode = m.AuthMode()
		}
		a.logger.LogSectionStart(c.Section(), mode)
	}

	r := a.runSection(ctx, c)

	if a.logger != nil {
		a.logger.LogSectionResult(r)
	}
	return r
}
