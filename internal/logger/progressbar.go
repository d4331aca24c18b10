package logger

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// SectionProgress tracks how many sections of a run have finished and
// renders it as an ASCII bar.
type SectionProgress struct {
	total       int
	passed      int
	failed      int
	width       int
	enableColor bool
	mu          sync.RWMutex
}

// NewSectionProgress creates a progress bar over total sections.
func NewSectionProgress(total, width int, enableColor bool) *SectionProgress {
	if width < 1 {
		width = 10
	}
	return &SectionProgress{
		total:       total,
		width:       width,
		enableColor: enableColor,
	}
}

// Record counts one finished section.
func (p *SectionProgress) Record(passed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if passed {
		p.passed++
	} else {
		p.failed++
	}
}

// Done returns the number of finished sections.
func (p *SectionProgress) Done() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.passed + p.failed
}

// Percentage returns the finished share of the run (0-100).
func (p *SectionProgress) Percentage() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.percentage()
}

func (p *SectionProgress) percentage() int {
	if p.total <= 0 {
		return 0
	}
	perc := ((p.passed + p.failed) * 100) / p.total
	if perc > 100 {
		perc = 100
	}
	return perc
}

// Render returns e.g. "[=====     ] 1/2 sections (1 passed, 0 failed)".
// With color enabled the bar is cyan while running, green when every
// finished section passed and red once one failed.
func (p *SectionProgress) Render() string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	perc := p.percentage()
	filled := (perc * p.width) / 100

	bar := "[" + strings.Repeat("=", filled) + strings.Repeat(" ", p.width-filled) + "]"
	result := fmt.Sprintf("%s %d/%d sections (%d passed, %d failed)",
		bar, p.passed+p.failed, p.total, p.passed, p.failed)

	if !p.enableColor {
		return result
	}
	switch {
	case p.failed > 0:
		return color.New(color.FgRed).Sprint(result)
	case perc == 100:
		return color.New(color.FgGreen).Sprint(result)
	default:
		return color.New(color.FgCyan).Sprint(result)
	}
}
