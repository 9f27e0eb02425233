package pattern

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/manamana32321/factorio-bridge/internal/logging"
)

const (
	// MaxFileSize is the largest pattern file that will be read (1 MiB).
	MaxFileSize = 1 * 1024 * 1024

	// MaxExpressionLength caps the length of a single match expression.
	MaxExpressionLength = 512

	// MaxRulesPerFile caps the number of rules accepted from one file.
	MaxRulesPerFile = 1000
)

// Result is the outcome of loading a pattern directory.
type Result struct {
	Set      *Set
	Files    []string // files that contributed at least one pattern
	Warnings []error  // skipped files and rules
}

// Option configures LoadDir.
type Option func(*loadConfig)

type loadConfig struct {
	allowEmpty bool
	log        logging.Logger
}

// WithAllowEmpty makes an empty result a warning instead of ErrNoPatterns.
func WithAllowEmpty(allow bool) Option {
	return func(c *loadConfig) { c.allowEmpty = allow }
}

// WithLogger sets the logger used to report skipped files and rules.
func WithLogger(l logging.Logger) Option {
	return func(c *loadConfig) { c.log = l }
}

// LoadDir loads every *.yaml / *.yml file in dir. Files are processed in
// lexicographic order of their names and rules in declaration order, which
// defines match precedence. Invalid files and rules are skipped and recorded
// in Result.Warnings. It fails only when dir cannot be read, or when no
// pattern survives and empty sets are not allowed.
func LoadDir(dir string, opts ...Option) (*Result, error) {
	cfg := &loadConfig{log: logging.Nop()}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("pattern directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s: %w", dir, ErrNotDirectory)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read pattern directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	res := &Result{}
	var patterns []*Pattern
	seen := make(map[string]string)

	for _, name := range names {
		filePatterns, warnings, err := loadFile(filepath.Join(dir, name))
		if err != nil {
			res.Warnings = append(res.Warnings, err)
			cfg.log.Warnw("skipping pattern file", "file", name, "error", err)
			continue
		}
		for _, w := range warnings {
			res.Warnings = append(res.Warnings, w)
			cfg.log.Warnw("skipping pattern rule", "file", name, "error", w)
		}

		added := 0
		for _, p := range filePatterns {
			if prev, dup := seen[p.Name]; dup {
				w := &RuleError{File: name, Name: p.Name, Field: "name", Message: "duplicate event name (first defined in " + prev + ")"}
				res.Warnings = append(res.Warnings, w)
				cfg.log.Warnw("skipping pattern rule", "file", name, "error", w)
				continue
			}
			seen[p.Name] = name
			patterns = append(patterns, p)
			added++
		}
		if added > 0 {
			res.Files = append(res.Files, name)
		}
	}

	res.Set = NewSet(patterns...)
	if res.Set.Len() == 0 {
		if !cfg.allowEmpty {
			return res, fmt.Errorf("%s: %w", dir, ErrNoPatterns)
		}
		cfg.log.Warnw("no patterns loaded, log lines will not match", "dir", dir)
	}
	cfg.log.Infow("patterns loaded", "dir", dir, "patterns", res.Set.Len(), "files", len(res.Files), "warnings", len(res.Warnings))
	return res, nil
}

// loadFile reads one pattern file. A non-nil error means the whole file was
// skipped; warnings describe individual rules that were skipped.
func loadFile(path string) ([]*Pattern, []error, error) {
	base := filepath.Base(path)
	data, err := readRegular(path)
	if err != nil {
		return nil, nil, &RuleError{File: base, Message: "unreadable", Cause: err}
	}
	return parseFile(base, data)
}

// parseFile decodes the events mapping of a pattern file, preserving the
// declaration order of its entries.
func parseFile(base string, data []byte) ([]*Pattern, []error, error) {
	var doc struct {
		Events yaml.Node `yaml:"events"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, &RuleError{File: base, Message: "invalid YAML", Cause: err}
	}
	if doc.Events.Kind == 0 {
		return nil, nil, &RuleError{File: base, Field: "events", Message: "missing top-level events mapping"}
	}
	if doc.Events.Kind != yaml.MappingNode {
		return nil, nil, &RuleError{File: base, Field: "events", Message: "events must be a mapping"}
	}

	content := doc.Events.Content
	if len(content)/2 > MaxRulesPerFile {
		return nil, nil, &RuleError{File: base, Field: "events", Message: fmt.Sprintf("too many rules (%d, max %d)", len(content)/2, MaxRulesPerFile)}
	}

	var (
		patterns []*Pattern
		warnings []error
	)
	for i := 0; i+1 < len(content); i += 2 {
		name := content[i].Value
		var r Rule
		if err := content[i+1].Decode(&r); err != nil {
			warnings = append(warnings, &RuleError{File: base, Name: name, Message: "malformed rule", Cause: err})
			continue
		}
		if r.Enabled != nil && !*r.Enabled {
			continue
		}
		p, err := Compile(name, r)
		if err != nil {
			var re *RuleError
			if errors.As(err, &re) {
				re.File = base
			}
			warnings = append(warnings, err)
			continue
		}
		p.File = base
		patterns = append(patterns, p)
	}
	return patterns, warnings, nil
}

// readRegular reads a regular file of at most MaxFileSize bytes.
func readRegular(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, errors.New("not a regular file")
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("file too large: %d bytes (max %d)", info.Size(), MaxFileSize)
	}

	data, err := io.ReadAll(io.LimitReader(f, MaxFileSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxFileSize {
		return nil, fmt.Errorf("file too large: more than %d bytes", MaxFileSize)
	}
	return data, nil
}
