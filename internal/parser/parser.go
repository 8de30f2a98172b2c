// Package parser extracts note metadata and wikilinks from Markdown files.
package parser

import (
	"bytes"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var wikilinkRe = regexp.MustCompile(`\[\[(.*?)\]\]`)

// Frontmatter is the YAML header understood by the importer.
type Frontmatter struct {
	ID                string            `yaml:"id"`
	Type              string            `yaml:"type"`
	Title             string            `yaml:"title"`
	Description       string            `yaml:"description"`
	Status            string            `yaml:"status"`
	Priority          float64           `yaml:"priority"`
	Tool              string            `yaml:"tool"`
	References        []string          `yaml:"references"`
	RequiresWebSearch bool              `yaml:"requires_web_search"`
	URL               string            `yaml:"url"`
	Method            string            `yaml:"method"`
	Headers           map[string]string `yaml:"headers"`
	Input             any               `yaml:"input"`
	InputSchema       string            `yaml:"input_schema"`
	OutputSchema      string            `yaml:"output_schema"`
	Created           time.Time         `yaml:"created"`
}

// Result holds the output of parsing a Markdown file.
type Result struct {
	// Meta is nil when the file has no (valid) frontmatter.
	Meta  *Frontmatter
	Body  string
	Links []string
	Title string
}

// Parse extracts frontmatter, body and wikilinks from raw Markdown bytes.
func Parse(data []byte) (*Result, error) {
	fm, body := splitFrontmatter(data)

	return &Result{
		Meta:  fm,
		Body:  body,
		Links: extractLinks(body),
		Title: deriveTitle(fm, body),
	}, nil
}

// splitFrontmatter separates YAML frontmatter (between leading --- delimiters)
// from the Markdown body. Without valid frontmatter the entire content is body.
func splitFrontmatter(data []byte) (*Frontmatter, string) {
	const delim = "---"
	trimmed := bytes.TrimLeft(data, "\n\r")

	if !bytes.HasPrefix(trimmed, []byte(delim)) {
		return nil, string(data)
	}

	rest := trimmed[len(delim):]
	idx := bytes.Index(rest, []byte("\n"+delim))
	if idx < 0 {
		return nil, string(data)
	}

	yamlBlock := rest[:idx]
	afterDelim := rest[idx+1+len(delim):]
	body := strings.TrimLeft(string(afterDelim), "\n\r")

	var fm Frontmatter
	if err := yaml.Unmarshal(yamlBlock, &fm); err != nil {
		return nil, string(data)
	}
	return &fm, body
}

// extractLinks returns deduplicated wikilink targets, normalising aliases.
func extractLinks(body string) []string {
	matches := wikilinkRe.FindAllStringSubmatch(body, -1)
	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		// [[Target|Alias]] → Target.
		target, _, _ := strings.Cut(m[1], "|")
		target = strings.TrimSpace(target)
		if target == "" {
			continue
		}
		if _, ok := seen[target]; ok {
			continue
		}
		seen[target] = struct{}{}
		out = append(out, target)
	}
	return out
}

// deriveTitle returns the frontmatter title if present, otherwise the first
// H1 heading, otherwise an empty string.
func deriveTitle(fm *Frontmatter, body string) string {
	if fm != nil && fm.Title != "" {
		return fm.Title
	}
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	return ""
}
