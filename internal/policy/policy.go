// Package policy loads the care policy document and segments it into
// numbered sections so findings can cite them by title.
package policy

import (
	"bufio"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"strings"
)

//go:embed default_policies.txt
var defaultText string

// Section is one "Section N: Title" block of the policy document.
type Section struct {
	Number    int
	Title     string
	LineStart int
	LineEnd   int
	Body      string
}

// Heading returns the canonical citation, e.g. "Section 3: Mobility & Moving".
func (s Section) Heading() string {
	return fmt.Sprintf("Section %d: %s", s.Number, s.Title)
}

// Document is the loaded policy text and its sections.
type Document struct {
	Text     string
	Sections []Section
}

// Default returns the embedded policy document.
func Default() Document {
	doc, err := Parse(strings.NewReader(defaultText))
	if err != nil {
		panic(fmt.Sprintf("policy: embedded document: %v", err))
	}
	return doc
}

// Load reads the policy document at path. A missing file or empty path
// yields the embedded document; the boolean reports whether it was used.
func Load(path string) (Document, bool, error) {
	if path == "" {
		return Default(), true, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), true, nil
	}
	if err != nil {
		return Document{}, false, fmt.Errorf("policy: open %s: %w", path, err)
	}
	defer f.Close()
	doc, err := Parse(f)
	if err != nil {
		return Document{}, false, fmt.Errorf("policy: %s: %w", path, err)
	}
	if strings.TrimSpace(doc.Text) == "" {
		return Default(), true, nil
	}
	return doc, false, nil
}

var sectionRe = regexp.MustCompile(`^\s*(?:#+\s*)?Section\s+(\d+)\s*[:.\-]\s*(.+?)\s*$`)

// Parse reads a policy document from r. Text before the first section
// heading is kept in Text but belongs to no section.
func Parse(r io.Reader) (Document, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return Document{}, fmt.Errorf("scan: %w", err)
	}

	doc := Document{Text: strings.Join(lines, "\n")}
	var cur *Section
	var body []string
	flush := func(end int) {
		if cur == nil {
			return
		}
		cur.LineEnd = end
		cur.Body = strings.TrimSpace(strings.Join(body, "\n"))
		doc.Sections = append(doc.Sections, *cur)
		cur, body = nil, nil
	}
	for i, line := range lines {
		if m := sectionRe.FindStringSubmatch(line); m != nil {
			flush(i)
			n, _ := strconv.Atoi(m[1])
			cur = &Section{Number: n, Title: m[2], LineStart: i + 1}
			continue
		}
		if cur != nil {
			body = append(body, strings.TrimSpace(line))
		}
	}
	flush(len(lines))
	return doc, nil
}

// FromText parses text already held in memory. Text without any section
// headings yields a document with no sections.
func FromText(text string) Document {
	doc, _ := Parse(strings.NewReader(text))
	return doc
}

// Find returns the first section whose title contains keyword, compared
// case-insensitively.
func (d Document) Find(keyword string) (Section, bool) {
	kw := strings.ToLower(keyword)
	for _, s := range d.Sections {
		if strings.Contains(strings.ToLower(s.Title), kw) {
			return s, true
		}
	}
	return Section{}, false
}

// SectionTitle returns the heading of the section matching keyword, or
// fallback when the document has no such section.
func (d Document) SectionTitle(keyword, fallback string) string {
	if s, ok := d.Find(keyword); ok {
		return s.Heading()
	}
	return fallback
}
