package metadata

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"sigs.k8s.io/yaml"
)

const (
	// UnknownSource is used when no rule matches the artifact name.
	UnknownSource = "unknown"

	sourceGroup    = "source"
	timestampGroup = "timestamp"
)

// Metadata is what can be learned about an artifact from its name.
type Metadata struct {
	Source    string
	Timestamp time.Time
	// Rule is the name of the matching rule, empty when the fallback was used.
	Rule string
}

// RuleSpec is the serialized form of a rule.
type RuleSpec struct {
	Name            string `json:"name"`
	Pattern         string `json:"pattern"`
	TimestampLayout string `json:"timestampLayout,omitempty"`
}

type RulesFile struct {
	Rules []RuleSpec `json:"rules"`
}

type Rule struct {
	name   string
	re     *regexp.Regexp
	layout string
}

// NewRule compiles a rule. The pattern must contain a named group "source" and may contain
// a named group "timestamp" parsed with layout.
func NewRule(name, pattern, layout string) (Rule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %q: %w", name, err)
	}
	if re.SubexpIndex(sourceGroup) < 0 {
		return Rule{}, fmt.Errorf("rule %q: pattern has no (?P<%s>...) group", name, sourceGroup)
	}
	if re.SubexpIndex(timestampGroup) >= 0 && layout == "" {
		return Rule{}, fmt.Errorf("rule %q: timestamp group requires a timestamp layout", name)
	}
	return Rule{name: name, re: re, layout: layout}, nil
}

func MustRule(name, pattern, layout string) Rule {
	r, err := NewRule(name, pattern, layout)
	if err != nil {
		panic(err)
	}
	return r
}

func (r Rule) Name() string {
	return r.name
}

// DefaultRules understands "<host>_<YYYYMMDD>_<HHMMSS>.<ext>" and "<host>_<anything>".
func DefaultRules() []Rule {
	return []Rule{
		MustRule("host_timestamp", `^(?P<source>.+?)_(?P<timestamp>\d{8}_\d{6})\.`, "20060102_150405"),
		MustRule("host_prefix", `^(?P<source>[^_]+)_`, ""),
	}
}

// Extractor applies an ordered list of rules. The zero value has no rules and always falls back.
type Extractor struct {
	rules []Rule
}

func NewExtractor(rules ...Rule) *Extractor {
	return &Extractor{rules: rules}
}

func NewDefaultExtractor() *Extractor {
	return NewExtractor(DefaultRules()...)
}

// Extract never fails: unmatched names get UnknownSource and detectedAt.
func (e *Extractor) Extract(path string, detectedAt time.Time) Metadata {
	name := filepath.Base(path)
	for _, r := range e.rules {
		m := r.re.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		source := m[r.re.SubexpIndex(sourceGroup)]
		if source == "" {
			continue
		}

		md := Metadata{Source: source, Timestamp: detectedAt, Rule: r.name}
		if idx := r.re.SubexpIndex(timestampGroup); idx >= 0 && m[idx] != "" {
			if ts, err := time.ParseInLocation(r.layout, m[idx], time.UTC); err == nil {
				md.Timestamp = ts
			}
		}
		return md
	}

	return Metadata{Source: UnknownSource, Timestamp: detectedAt}
}

// LoadRules reads a YAML rules file. Invalid patterns are reported here, never at extraction time.
func LoadRules(path string) ([]Rule, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}
	return ParseRules(content)
}

func ParseRules(content []byte) ([]Rule, error) {
	var f RulesFile
	if err := yaml.Unmarshal(content, &f); err != nil {
		return nil, fmt.Errorf("unmarshalling rules file: %w", err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("rules file defines no rules")
	}

	rules := make([]Rule, 0, len(f.Rules))
	for i, spec := range f.Rules {
		name := spec.Name
		if name == "" {
			name = fmt.Sprintf("rule-%d", i)
		}
		r, err := NewRule(name, spec.Pattern, spec.TimestampLayout)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}
