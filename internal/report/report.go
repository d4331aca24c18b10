// Package report renders a run summary as Markdown or HTML.
package report

import (
	"bytes"
	"fmt"
	"html"
	"path/filepath"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"

	"github.com/harrison/nbjstest/internal/filelock"
	"github.com/harrison/nbjstest/internal/models"
)

// DefaultMaxOutputLines is how many trailing output lines each section shows.
const DefaultMaxOutputLines = 50

// Options control report rendering.
type Options struct {
	MaxOutputLines int // Trailing stdout lines per section, 0 = DefaultMaxOutputLines, < 0 = all
}

// FormatMarkdown renders result as a Markdown document: a summary table
// followed by one block per section with its command, output tail and error.
func FormatMarkdown(result models.RunResult, opts Options) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("# nbjstest run %s\n\n", result.RunID))

	verdict := "✅ PASSED"
	if !result.Passed() {
		verdict = "❌ FAILED"
	}
	sb.WriteString(fmt.Sprintf("**Result:** %s\n\n", verdict))
	if !result.StartedAt.IsZero() {
		sb.WriteString(fmt.Sprintf("**Started:** %s\n\n", result.StartedAt.Format(time.RFC3339)))
	}
	sb.WriteString(fmt.Sprintf("**Duration:** %v\n\n", result.Duration.Round(time.Millisecond)))

	if len(result.Sections) == 0 {
		sb.WriteString("No sections were run.\n")
		return sb.String()
	}

	sb.WriteString("| Section | Auth | Status | Exit | Duration |\n")
	sb.WriteString("|---|---|---|---|---|\n")
	for _, s := range result.Sections {
		sb.WriteString(fmt.Sprintf("| %s | %s | %s | %d | %v |\n",
			escapeCell(s.Section), s.AuthMode, s.Status(), s.ExitCode, s.Duration.Round(time.Millisecond)))
	}
	sb.WriteString("\n")

	for _, s := range result.Sections {
		status := "✅ PASS"
		if !s.Passed() {
			status = "❌ " + s.Status()
		}
		sb.WriteString(fmt.Sprintf("## %s [%s] (%v)\n\n", s.Section, status, s.Duration.Round(time.Millisecond)))

		if len(s.Command) > 0 {
			sb.WriteString(fmt.Sprintf("`%s`\n\n", strings.Join(s.Command, " ")))
		}

		if out := tail(s.Stdout, opts.maxLines()); out != "" {
			sb.WriteString("```\n")
			sb.WriteString(out)
			sb.WriteString("\n```\n\n")
		}

		if s.Err != nil {
			sb.WriteString(fmt.Sprintf("**Error:** %v\n\n", s.Err))
		}
	}

	return sb.String()
}

// RenderHTML converts Markdown produced by FormatMarkdown into a standalone
// HTML page.
func RenderHTML(markdown string, title string) ([]byte, error) {
	md := goldmark.New(
		goldmark.WithExtensions(extension.Table),
		goldmark.WithRendererOptions(gmhtml.WithXHTML()),
	)

	var body bytes.Buffer
	if err := md.Convert([]byte(markdown), &body); err != nil {
		return nil, fmt.Errorf("failed to render report: %w", err)
	}

	var page bytes.Buffer
	page.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\" />\n")
	page.WriteString(fmt.Sprintf("<title>%s</title>\n", html.EscapeString(title)))
	page.WriteString("</head>\n<body>\n")
	page.Write(body.Bytes())
	page.WriteString("</body>\n</html>\n")
	return page.Bytes(), nil
}

// Write renders result to path. A .html or .htm extension selects HTML;
// anything else gets Markdown. The file is replaced atomically under its
// lock so concurrent runs never leave a torn report.
func Write(path string, result models.RunResult, opts Options) error {
	markdown := FormatMarkdown(result, opts)

	data := []byte(markdown)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		page, err := RenderHTML(markdown, "nbjstest run "+result.RunID)
		if err != nil {
			return err
		}
		data = page
	}

	if err := filelock.LockAndWrite(path, data); err != nil {
		return fmt.Errorf("failed to write report %s: %w", path, err)
	}
	return nil
}

func (o Options) maxLines() int {
	if o.MaxOutputLines == 0 {
		return DefaultMaxOutputLines
	}
	return o.MaxOutputLines
}

// tail returns the last n lines of s without the trailing newline. n < 0
// keeps everything.
func tail(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if s == "" || n < 0 {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	omitted := len(lines) - n
	return fmt.Sprintf("... (%d earlier lines omitted)\n%s", omitted, strings.Join(lines[omitted:], "\n"))
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", "\\|")
}
