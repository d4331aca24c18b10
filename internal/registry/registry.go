// Package registry enumerates the configured test sections and runs them to
// completion, combining their results into one pass/fail outcome.
package registry

import (
	"fmt"
	"io"

	"github.com/harrison/nbjstest/internal/config"
	"github.com/harrison/nbjstest/internal/controller"
)

// ControllerFactory builds fresh controllers for one run.
type ControllerFactory interface {
	ListControllers() ([]controller.Controller, error)
}

// Deps are the shared collaborators handed to every section.
type Deps struct {
	Toggler controller.Toggler
	Starter controller.Starter
	Log     controller.OutputLog
	Status  controller.StatusLogger
	EchoTo  io.Writer
	TempDir string
}

// SectionRegistry creates one SectionController per configured section.
// Every call to ListControllers returns new, idle controllers; nothing is
// shared between them except Deps.
type SectionRegistry struct {
	cfg  *config.Config
	run  config.RunConfig
	deps Deps
}

// NewSectionRegistry creates a registry over cfg.Sections.
func NewSectionRegistry(cfg *config.Config, run config.RunConfig, deps Deps) *SectionRegistry {
	return &SectionRegistry{cfg: cfg, run: run, deps: deps}
}

// Sections returns the configured section names in run order.
func (r *SectionRegistry) Sections() []string {
	return append([]string(nil), r.cfg.Sections...)
}

// Options returns the controller options for section.
func (r *SectionRegistry) Options(section string) controller.Options {
	return controller.Options{
		Section:       section,
		TestRoot:      r.cfg.TestRoot,
		JSTestDir:     r.cfg.JSTestDir,
		BinDir:        r.cfg.BinDir,
		ExtraArgs:     append([]string(nil), r.cfg.ExtraArgs...),
		Timeout:       r.cfg.Timeout,
		BufferOutput:  r.cfg.BufferOutput,
		CaptureOutput: r.cfg.CaptureOutput,
		EchoTo:        r.deps.EchoTo,
		Xunit:         r.cfg.Xunit,
		XunitDir:      r.cfg.XunitDir,
		TempDir:       r.deps.TempDir,
	}
}

// ListControllers implements ControllerFactory.
func (r *SectionRegistry) ListControllers() ([]controller.Controller, error) {
	if len(r.cfg.Sections) == 0 {
		return nil, fmt.Errorf("no sections configured")
	}
	if r.deps.Toggler == nil || r.deps.Starter == nil {
		return nil, fmt.Errorf("section registry requires a toggler and a starter")
	}

	controllers := make([]controller.Controller, 0, len(r.cfg.Sections))
	for _, name := range r.cfg.Sections {
		controllers = append(controllers, controller.New(r.Options(name), controller.Deps{
			Toggler: r.deps.Toggler,
			Starter: r.deps.Starter,
			Run:     r.run,
			Log:     r.deps.Log,
			Status:  r.deps.Status,
		}))
	}
	return controllers, nil
}
