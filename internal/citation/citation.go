// Package citation tracks numbered source markers such as [3] in
// streamed answer text and maintains the answer's reference list.
package citation

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/nugget/switchyard/internal/chat"
)

// maxMarkerDigits bounds the digits in a marker; [1234] is plain text.
const maxMarkerDigits = 3

// Markers are positive numbers without leading zeros: [0] and [007]
// are plain text.
var markerPattern = regexp.MustCompile(`\[([1-9]\d{0,2})\]`)

// Output is the result of feeding one chunk to a [Processor].
type Output struct {
	// Text is safe to emit now. A trailing partial marker is withheld
	// until the next chunk completes or breaks it.
	Text string
	// Citations lists citations referenced for the first time in Text.
	Citations []chat.Citation
}

// Processor scans streamed text for citation markers. It is stateful
// for the length of one answer and not safe for concurrent use.
type Processor struct {
	byNumber map[int]chat.Citation
	buffer   string
	emitted  map[int]bool
	used     []chat.Citation
}

// NewProcessor starts citation tracking for one answer. Only markers
// whose number appears in citations are recognized.
func NewProcessor(citations []chat.Citation) *Processor {
	p := &Processor{
		byNumber: make(map[int]chat.Citation, len(citations)),
		emitted:  make(map[int]bool),
	}
	for _, c := range citations {
		if _, dup := p.byNumber[c.Number]; !dup {
			p.byNumber[c.Number] = c
		}
	}
	return p
}

// Feed processes the next chunk of streamed text.
func (p *Processor) Feed(chunk string) Output {
	data := p.buffer + chunk
	p.buffer = ""

	if i := strings.LastIndexByte(data, '['); i >= 0 && isPartialMarker(data[i+1:]) {
		p.buffer = data[i:]
		data = data[:i]
	}

	return Output{Text: data, Citations: p.scan(data)}
}

// Flush returns any withheld text at the end of the stream.
func (p *Processor) Flush() string {
	out := p.buffer
	p.buffer = ""
	return out
}

// Used returns every referenced citation in first-reference order.
func (p *Processor) Used() []chat.Citation {
	return append([]chat.Citation(nil), p.used...)
}

func (p *Processor) scan(text string) []chat.Citation {
	var fresh []chat.Citation
	for _, m := range markerPattern.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		c, ok := p.byNumber[n]
		if !ok || p.emitted[n] {
			continue
		}
		p.emitted[n] = true
		p.used = append(p.used, c)
		fresh = append(fresh, c)
	}
	return fresh
}

// isPartialMarker reports whether rest, the text after a trailing '[',
// could still become a marker once more text arrives.
func isPartialMarker(rest string) bool {
	if len(rest) > maxMarkerDigits || strings.HasPrefix(rest, "0") {
		return false
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Dedupe collapses citations that share a URL, keeping the entry with
// the lowest number. The result is ordered by number. In-text markers
// are not renumbered, so a dropped number simply has no list entry.
func Dedupe(citations []chat.Citation) []chat.Citation {
	sorted := append([]chat.Citation(nil), citations...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })

	seen := make(map[string]bool, len(sorted))
	out := make([]chat.Citation, 0, len(sorted))
	for _, c := range sorted {
		if seen[c.URL] {
			continue
		}
		seen[c.URL] = true
		out = append(out, c)
	}
	return out
}

// ReferenceList renders citations as a markdown reference list.
func ReferenceList(citations []chat.Citation) string {
	if len(citations) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("**Sources:**\n")
	for _, c := range citations {
		title := c.Title
		if title == "" {
			title = c.URL
		}
		fmt.Fprintf(&b, "\n[%d] [%s](%s)", c.Number, title, c.URL)
		if c.Date != "" {
			fmt.Fprintf(&b, " (%s)", c.Date)
		}
	}
	return b.String()
}
