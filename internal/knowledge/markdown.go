package knowledge

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"
)

// frontMatter is the optional YAML header of an ingested document.
type frontMatter struct {
	Title string `yaml:"title"`
	URL   string `yaml:"url"`
	Date  string `yaml:"date"`
}

// Section is one heading-delimited part of a markdown document.
type Section struct {
	// Path is the heading trail, e.g. "Setup / Install".
	Path   string
	Anchor string
	Body   string
}

var frontMatterPattern = regexp.MustCompile(`(?s)\A---\r?\n(.*?)\r?\n---\r?\n`)

// splitFrontMatter separates a leading YAML block from the markdown body.
func splitFrontMatter(src []byte) (frontMatter, []byte, error) {
	var fm frontMatter
	m := frontMatterPattern.FindSubmatchIndex(src)
	if m == nil {
		return fm, src, nil
	}
	if err := yaml.Unmarshal(src[m[2]:m[3]], &fm); err != nil {
		return fm, src, fmt.Errorf("parse front matter: %w", err)
	}
	return fm, src[m[1]:], nil
}

// ParseSections splits markdown into sections at headings of level 1–3.
// Headings are found in the parsed AST, so '#' lines inside code blocks
// never start a section. Text before the first heading becomes a section
// with an empty path.
func ParseSections(src []byte) []Section {
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	type mark struct {
		level int
		title string
		start int // first byte of the heading line
		body  int // first byte after the heading line
	}
	var marks []mark

	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		h, ok := n.(*ast.Heading)
		if !ok || h.Level > 3 || h.Lines().Len() == 0 {
			continue
		}
		first := h.Lines().At(0)
		last := h.Lines().At(h.Lines().Len() - 1)
		start := bytes.LastIndexByte(src[:first.Start], '\n') + 1
		end := lineEnd(src, last.Stop)
		if !isATX(src[start:]) {
			// Setext headings are followed by an underline line.
			prev := bytes.LastIndexByte(src[:max(end-1, 0)], '\n') + 1
			if !isSetextUnderline(src[prev:end]) && isSetextUnderline(src[end:lineEnd(src, end)]) {
				end = lineEnd(src, end)
			}
		}
		marks = append(marks, mark{
			level: h.Level,
			title: strings.TrimSpace(string(h.Text(src))),
			start: start,
			body:  end,
		})
	}

	var sections []Section
	if len(marks) == 0 {
		if body := strings.TrimSpace(string(src)); body != "" {
			sections = append(sections, Section{Body: body})
		}
		return sections
	}
	if pre := strings.TrimSpace(string(src[:marks[0].start])); pre != "" {
		sections = append(sections, Section{Body: pre})
	}

	var trail [3]string
	for i, m := range marks {
		trail[m.level-1] = m.title
		for j := m.level; j < len(trail); j++ {
			trail[j] = ""
		}

		stop := len(src)
		if i+1 < len(marks) {
			stop = marks[i+1].start
		}
		body := strings.TrimSpace(string(src[m.body:stop]))
		if body == "" {
			continue
		}

		var parts []string
		for _, t := range trail[:m.level] {
			if t != "" {
				parts = append(parts, t)
			}
		}
		sections = append(sections, Section{
			Path:   strings.Join(parts, " / "),
			Anchor: slugify(m.title),
			Body:   body,
		})
	}
	return sections
}

// lineEnd returns the index just past the newline ending the line that
// contains pos, or len(src).
func lineEnd(src []byte, pos int) int {
	if pos >= len(src) {
		return len(src)
	}
	if i := bytes.IndexByte(src[pos:], '\n'); i >= 0 {
		return pos + i + 1
	}
	return len(src)
}

func isATX(line []byte) bool {
	return bytes.HasPrefix(bytes.TrimLeft(line, " "), []byte("#"))
}

func isSetextUnderline(line []byte) bool {
	s := strings.TrimSpace(string(line))
	return s != "" && (strings.Trim(s, "=") == "" || strings.Trim(s, "-") == "")
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// slugify converts a heading into a URL fragment.
func slugify(s string) string {
	s = strings.ToLower(s)
	s = slugPattern.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// Ingester imports markdown files into a knowledge base.
type Ingester struct {
	store *Store
}

// NewIngester creates a markdown ingester writing to store.
func NewIngester(store *Store) *Ingester {
	return &Ingester{store: store}
}

// IngestFile reads a markdown file and replaces its documents in kb.
// Front matter may set title, url and date; otherwise the title is the
// file name and the url is a file:// URL.
func (in *Ingester) IngestFile(ctx context.Context, kb, path string) (int, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read file: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return in.Ingest(ctx, kb, abs, src)
}

// Ingest parses markdown from src and replaces the documents previously
// ingested from source in kb. It returns the number of documents stored.
func (in *Ingester) Ingest(ctx context.Context, kb, source string, src []byte) (int, error) {
	fm, body, err := splitFrontMatter(src)
	if err != nil {
		return 0, err
	}
	title := fm.Title
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	}
	baseURL := fm.URL
	if baseURL == "" {
		baseURL = "file://" + filepath.ToSlash(source)
	}

	sections := ParseSections(body)
	docs := make([]Document, 0, len(sections))
	for _, s := range sections {
		d := Document{
			Title: title,
			URL:   baseURL,
			Date:  fm.Date,
			Chunk: s.Body,
		}
		if s.Path != "" {
			d.Title = title + ": " + s.Path
			d.URL = baseURL + "#" + s.Anchor
		}
		docs = append(docs, d)
	}

	if err := in.store.Replace(ctx, kb, source, docs); err != nil {
		return 0, err
	}
	return len(docs), nil
}
