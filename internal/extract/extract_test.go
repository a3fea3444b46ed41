package extract

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const articlePage = `<!DOCTYPE html>
<html>
<head>
  <title>Compostable Mailers: 2026 Market Outlook</title>
  <style>body { color: red }</style>
  <script>trackEverything();</script>
</head>
<body>
  <header><a href="/">BrandSite</a></header>
  <nav><a href="/a">Home</a><a href="/b">About</a></nav>
  <article>
    <h1>Compostable Mailers: 2026 Market Outlook</h1>
    <p>Demand for compostable packaging keeps climbing as DTC brands look for
    plastic-free shipping options. Retailers report double digit growth across
    every quarter since 2024, and the category now spans mailers, tape, and
    void fill in most fulfilment catalogues worldwide.</p>
    <h2>Key drivers</h2>
    <ul>
      <li>Regulation on single-use plastic</li>
      <li>Consumer willingness to pay for sustainability</li>
    </ul>
    <p>Read the <a href="https://example.com/report">full report</a>.</p>
  </article>
  <aside>Related links that should vanish</aside>
  <footer>Copyright 2026</footer>
</body>
</html>`

func TestFromString_Article(t *testing.T) {
	res, err := FromString(articlePage)
	require.NoError(t, err)

	assert.Equal(t, "Compostable Mailers: 2026 Market Outlook", res.Title)

	assert.Contains(t, res.Markdown, "# Compostable Mailers: 2026 Market Outlook")
	assert.Contains(t, res.Markdown, "## Key drivers")
	assert.Contains(t, res.Markdown, "Regulation on single-use plastic")
	assert.Contains(t, res.Markdown, "[full report](https://example.com/report)")

	assert.NotContains(t, res.Markdown, "trackEverything")
	assert.NotContains(t, res.Markdown, "color: red")
	assert.NotContains(t, res.Markdown, "BrandSite")
	assert.NotContains(t, res.Markdown, "Copyright 2026")
	assert.NotContains(t, res.Markdown, "Related links")
}

func TestFromString_TitleFallsBackToHeading(t *testing.T) {
	res, err := FromString(`<html><body><h1>Heading Only</h1><p>` + strings.Repeat("text ", 80) + `</p></body></html>`)
	require.NoError(t, err)
	assert.Equal(t, "Heading Only", res.Title)
}

func TestFromString_PicksArticleOverBoilerplate(t *testing.T) {
	page := `<html><body>
	  <div class="sidebar">` + strings.Repeat("<p>menu item</p>", 3) + `</div>
	  <article><p>` + strings.Repeat("substantial article prose. ", 20) + `</p></article>
	</body></html>`

	res, err := FromString(page)
	require.NoError(t, err)
	assert.Contains(t, res.Markdown, "substantial article prose.")
	assert.NotContains(t, res.Markdown, "menu item")
}

func TestFromString_FallsBackToBody(t *testing.T) {
	res, err := FromString(`<html><body><p>Short page with no landmarks but real words.</p></body></html>`)
	require.NoError(t, err)
	assert.Contains(t, res.Markdown, "Short page with no landmarks")
}

func TestFromString_EmptyPage(t *testing.T) {
	_, err := FromString(`<html><head><script>x()</script></head><body><nav>only chrome</nav></body></html>`)
	require.ErrorIs(t, err, ErrNoContent)
}

func TestFromString_MalformedHTMLTolerated(t *testing.T) {
	res, err := FromString(`<html><body><p>unclosed paragraph <b>bold text`)
	require.NoError(t, err)
	assert.Contains(t, res.Markdown, "unclosed paragraph")
	assert.Contains(t, res.Markdown, "bold text")
}

func TestFromReader_DecodesLatin1(t *testing.T) {
	// "café" with 0xE9, as ISO-8859-1 services still send it.
	page := []byte("<html><body><p>caf\xe9 culture drives specialty bean demand</p></body></html>")

	res, err := FromReader(bytes.NewReader(page), "text/html; charset=iso-8859-1")
	require.NoError(t, err)
	assert.Contains(t, res.Markdown, "café culture")
}

func TestFromReader_NormalizesToNFC(t *testing.T) {
	// Combining acute accent: "cafe" + U+0301.
	res, err := FromReader(strings.NewReader("<html><body><p>café market report</p></body></html>"), "")
	require.NoError(t, err)
	assert.Contains(t, res.Markdown, "café market report")
	assert.NotContains(t, res.Markdown, "café")
}

func TestFromString_CollapsesBlankRuns(t *testing.T) {
	page := `<html><body><article>
	  <p>first</p><br><br><br>
	  <p>second</p>
	  <p>` + strings.Repeat("filler words ", 30) + `</p>
	</article></body></html>`

	res, err := FromString(page)
	require.NoError(t, err)
	assert.NotContains(t, res.Markdown, "\n\n\n")
}
