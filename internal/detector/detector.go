// Package detector scans log files and module output for known failure
// signatures described by the healing rule catalogue.
package detector

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/clawinfra/autoheal/internal/healing"
)

// MaxMatchedText bounds Detection.MatchedText.
const MaxMatchedText = 512

const maxLine = 1 << 20

// Detector matches lines against rule patterns. It never mutates rules.
type Detector struct {
	globs  []string
	logger *slog.Logger
	now    func() time.Time
}

type compiledRule struct {
	rule healing.Rule
	re   *regexp.Regexp
}

// New creates a Detector that scans files whose base name matches one of globs
// (default "*.log").
func New(globs []string, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	if len(globs) == 0 {
		globs = []string{"*.log"}
	}
	return &Detector{
		globs:  globs,
		logger: logger.With("component", "detector"),
		now:    time.Now,
	}
}

// SetClock replaces the time source used to stamp detections.
func (d *Detector) SetClock(now func() time.Time) {
	d.now = now
}

// Scan reads every matching regular file directly under logDir in lexical
// order and returns detections in file, line, rule order. A missing directory
// yields no detections. Unreadable files are logged and skipped.
func (d *Detector) Scan(logDir string, rules []healing.Rule) ([]healing.Detection, error) {
	entries, err := os.ReadDir(logDir)
	if errors.Is(err, os.ErrNotExist) {
		d.logger.Debug("log directory missing", "dir", logDir)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read log dir %s: %w", logDir, err)
	}

	compiled := d.compile(rules)
	if len(compiled) == 0 {
		return nil, nil
	}

	var out []healing.Detection
	for _, e := range entries {
		if !e.Type().IsRegular() || !d.matches(e.Name()) {
			continue
		}
		path := filepath.Join(logDir, e.Name())
		found, err := d.scanFile(path, compiled)
		if err != nil {
			d.logger.Warn("skipping unreadable log file", "path", path, "error", err)
		}
		out = append(out, found...)
	}

	d.logger.Debug("log scan complete", "dir", logDir, "detections", len(out))
	return out, nil
}

// ScanText scans in-memory output such as a module's stdout, attributing
// detections to source.
func (d *Detector) ScanText(source, text string, rules []healing.Rule) []healing.Detection {
	if text == "" {
		return nil
	}
	compiled := d.compile(rules)
	if len(compiled) == 0 {
		return nil
	}
	found, err := d.scanReader(source, strings.NewReader(text), compiled)
	if err != nil {
		d.logger.Warn("output scan stopped early", "source", source, "error", err)
	}
	return found
}

func (d *Detector) scanFile(path string, compiled []compiledRule) ([]healing.Detection, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return d.scanReader(filepath.Base(path), f, compiled)
}

func (d *Detector) scanReader(source string, r io.Reader, compiled []compiledRule) ([]healing.Detection, error) {
	var out []healing.Detection
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		for _, c := range compiled {
			if !c.re.MatchString(line) {
				continue
			}
			out = append(out, healing.Detection{
				Category:    c.rule.Category,
				RuleName:    c.rule.Name,
				MatchedText: truncate(line, MaxMatchedText),
				Priority:    c.rule.Priority,
				Action:      c.rule.Action,
				Source:      source,
				Line:        lineNo,
				Timestamp:   d.now(),
			})
		}
	}
	return out, sc.Err()
}

// compile builds case-insensitive matchers in catalogue order. Rules with an
// invalid pattern are logged and dropped for this scan.
func (d *Detector) compile(rules []healing.Rule) []compiledRule {
	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if r.Pattern == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			d.logger.Error("invalid rule pattern", "rule", r.Key(), "pattern", r.Pattern, "error", err)
			continue
		}
		out = append(out, compiledRule{rule: r, re: re})
	}
	return out
}

func (d *Detector) matches(name string) bool {
	for _, g := range d.globs {
		if ok, _ := filepath.Match(g, name); ok {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
