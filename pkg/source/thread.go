// Package source is the source-page side of the pipeline: it recognises
// discussion thread pages, extracts their comment text, condenses it into a
// summary and hands the summary to the orchestrator.
package source

import (
	"fmt"
	"io"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/gobwas/glob"
	"golang.org/x/net/html"

	"github.com/entrhq/threadrelay/pkg/logging"
)

var debugLog *logging.Logger

func init() {
	var err error
	debugLog, err = logging.NewLogger("source")
	if err != nil {
		debugLog.Warnf("Failed to initialize source logger, using stderr fallback: %v", err)
	}
}

const (
	// DefaultThreadPattern matches thread page paths, /r/<sub>/comments/<id>/...
	DefaultThreadPattern = "/r/?*/comments/?**"

	// DefaultMaxSummaryLength is the summary length in characters before
	// truncation.
	DefaultMaxSummaryLength = 500

	commentTreeID = "comment-tree"
	commentTag    = "shreddit-comment"
	ellipsis      = "..."
)

// Matcher recognises thread pages by URL path.
type Matcher struct {
	pattern glob.Glob
}

// NewMatcher compiles a path pattern. An empty pattern uses
// DefaultThreadPattern.
func NewMatcher(pattern string) (*Matcher, error) {
	if pattern == "" {
		pattern = DefaultThreadPattern
	}
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("invalid thread pattern %q: %w", pattern, err)
	}
	return &Matcher{pattern: g}, nil
}

// IsThreadPath reports whether path is a thread page path.
func (m *Matcher) IsThreadPath(path string) bool {
	return m.pattern.Match(path)
}

// IsThreadURL reports whether rawURL points at a thread page.
func (m *Matcher) IsThreadURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return m.IsThreadPath(u.Path)
}

// Thread is the comment text of a thread page.
type Thread struct {
	Comments []string
}

// ParseThread extracts the text of every comment under the page's comment
// tree. Nested comments are contained in their parent's text, as in the
// rendered page.
func ParseThread(r io.Reader) (*Thread, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	thread := &Thread{}
	tree := findByID(doc, commentTreeID)
	if tree == nil {
		debugLog.Debugf("No #%s element found", commentTreeID)
		return thread, nil
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && c.Data == commentTag {
				thread.Comments = append(thread.Comments, textContent(c))
			}
			walk(c)
		}
	}
	walk(tree)

	debugLog.Debugf("Extracted %d comments", len(thread.Comments))
	return thread, nil
}

// Content joins the comments one per line.
func (t *Thread) Content() string {
	var b strings.Builder
	for _, c := range t.Comments {
		b.WriteString(c)
		b.WriteByte('\n')
	}
	return b.String()
}

// Summary returns the content truncated to maxLen characters, with an
// ellipsis appended when truncated. A non-positive maxLen uses
// DefaultMaxSummaryLength.
func (t *Thread) Summary(maxLen int) string {
	return Summarize(t.Content(), maxLen)
}

// Summarize truncates content to maxLen characters, appending an ellipsis
// when anything was cut.
func Summarize(content string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = DefaultMaxSummaryLength
	}
	if utf8.RuneCountInString(content) <= maxLen {
		return content
	}
	runes := []rune(content)
	return string(runes[:maxLen]) + ellipsis
}

func findByID(n *html.Node, id string) *html.Node {
	if n.Type == html.ElementNode {
		for _, a := range n.Attr {
			if a.Key == "id" && a.Val == id {
				return n
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findByID(c, id); found != nil {
			return found
		}
	}
	return nil
}

// textContent concatenates the text of n's descendants, skipping scripts
// and styles.
func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch {
		case n.Type == html.TextNode:
			b.WriteString(n.Data)
			return
		case n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style"):
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
