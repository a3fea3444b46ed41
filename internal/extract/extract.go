// Package extract turns raw provider HTML into clean Markdown for the
// corpus. Pages are decoded to UTF-8, stripped of chrome, reduced to their
// main content block, and converted.
package extract

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/unicode/norm"
)

// ErrNoContent means the page had nothing worth keeping after cleanup.
var ErrNoContent = errors.New("no extractable content")

// chromeSelector matches elements that never carry article content.
const chromeSelector = "script, style, noscript, iframe, svg, form, button, nav, aside"

// mainCandidates are tried in order when locating the content block. The
// first candidate with a meaningful amount of text wins.
var mainCandidates = []string{
	"main",
	"article",
	"[role=main]",
	"#content",
	"#main",
	".post-content",
	".article-body",
	".entry-content",
	".content",
}

// minMainChars is the text length a candidate block needs before it is
// trusted over the whole body.
const minMainChars = 200

var blankRuns = regexp.MustCompile(`\n{3,}`)

// Result is the cleaned page.
type Result struct {
	// Title is the document title, falling back to the first heading.
	Title string

	// Markdown is the converted main content, NFC-normalized.
	Markdown string
}

// FromReader decodes, cleans, and converts one HTML document. The content
// type, when known, guides charset detection; pass "" to sniff.
func FromReader(r io.Reader, contentType string) (Result, error) {
	decoded, err := charset.NewReader(r, contentType)
	if err != nil {
		return Result{}, fmt.Errorf("detecting charset: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(decoded)
	if err != nil {
		return Result{}, fmt.Errorf("parsing html: %w", err)
	}

	doc.Find(chromeSelector).Remove()
	// Site chrome at the top level goes too; header and footer inside an
	// article stay.
	doc.Find("body > header, body > footer").Remove()

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}

	content := mainContent(doc)
	rawHTML, err := goquery.OuterHtml(content)
	if err != nil {
		return Result{}, fmt.Errorf("serializing content: %w", err)
	}

	markdown, err := htmltomarkdown.ConvertString(rawHTML)
	if err != nil {
		return Result{}, fmt.Errorf("converting to markdown: %w", err)
	}

	markdown = tidyMarkdown(markdown)
	if markdown == "" {
		return Result{}, ErrNoContent
	}
	return Result{Title: norm.NFC.String(title), Markdown: markdown}, nil
}

// FromString is FromReader over an in-memory document.
func FromString(html string) (Result, error) {
	return FromReader(strings.NewReader(html), "")
}

// mainContent picks the candidate block that looks like the article. When
// nothing qualifies, the whole body is used.
func mainContent(doc *goquery.Document) *goquery.Selection {
	var best *goquery.Selection
	bestLen := 0
	for _, sel := range mainCandidates {
		block := doc.Find(sel).First()
		if block.Length() == 0 {
			continue
		}
		textLen := len(strings.TrimSpace(block.Text()))
		if textLen >= minMainChars {
			return block
		}
		if textLen > bestLen {
			best = block
			bestLen = textLen
		}
	}

	body := doc.Find("body").First()
	if body.Length() == 0 {
		return doc.Selection
	}
	// A candidate that beats the rest of the body still wins even when it
	// falls short of the threshold.
	if best != nil && bestLen*2 >= len(strings.TrimSpace(body.Text())) {
		return best
	}
	return body
}

func tidyMarkdown(markdown string) string {
	markdown = norm.NFC.String(markdown)
	markdown = blankRuns.ReplaceAllString(markdown, "\n\n")
	return strings.TrimSpace(markdown)
}
