package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/jmylchreest/marketpipe/internal/config"
	"github.com/jmylchreest/marketpipe/internal/extract"
	"github.com/jmylchreest/marketpipe/internal/models"
	"github.com/jmylchreest/marketpipe/internal/urlutil"
	"github.com/jmylchreest/marketpipe/internal/version"
	"github.com/jmylchreest/marketpipe/pkg/httpclient"
)

const resultsPerQuery = 10

// Response bodies are capped well below anything a search API legitimately
// returns; fetched pages get more room.
const (
	maxSearchResponse = 2 << 20
	maxFetchResponse  = 8 << 20
)

// classBaseURLs are the default API roots per capability class. Endpoint
// configuration may override them.
var classBaseURLs = map[models.CapabilityClass]string{
	models.ClassJinaRead:    "https://s.jina.ai",
	models.ClassExa:         "https://api.exa.ai",
	models.ClassSerper:      "https://google.serper.dev",
	models.ClassSerpAPI:     "https://serpapi.com",
	models.ClassTavily:      "https://api.tavily.com",
	models.ClassFirecrawl:   "https://api.firecrawl.dev",
	models.ClassSupadata:    "https://api.supadata.ai",
	models.ClassScrapingAnt: "https://api.scrapingant.com",
	models.ClassYouTube:     "https://www.googleapis.com/youtube/v3",
	models.ClassRapidAPI:    "https://real-time-web-search.p.rapidapi.com",
}

// providerError carries a provider's HTTP failure for rotation decisions.
type providerError struct {
	class  models.CapabilityClass
	status int
	body   string
}

func (e *providerError) Error() string {
	body := e.body
	if len(body) > 160 {
		body = body[:160] + "..."
	}
	return fmt.Sprintf("%s returned status %d: %s", e.class, e.status, body)
}

// RateLimited reports whether the failure was a throttle rather than a
// hard error.
func (e *providerError) RateLimited() bool {
	return e.status == http.StatusTooManyRequests
}

// providerClient issues normalized search calls against any configured
// provider class. One transport serves the JSON APIs; a second with a
// longer timeout and a larger response cap serves page fetches.
type providerClient struct {
	search *httpclient.Client
	fetch  *httpclient.Client
	logger *slog.Logger
}

func newProviderClient(cfg config.SearchConfig, logger *slog.Logger) *providerClient {
	searchCfg := httpclient.DefaultConfig()
	searchCfg.Timeout = cfg.RequestTimeout
	searchCfg.RetryAttempts = 1
	searchCfg.MaxResponseSize = maxSearchResponse
	searchCfg.UserAgent = version.UserAgent()
	searchCfg.Logger = logger

	fetchCfg := httpclient.DefaultConfig()
	fetchCfg.Timeout = cfg.FetchTimeout
	fetchCfg.RetryAttempts = 1
	fetchCfg.MaxResponseSize = maxFetchResponse
	fetchCfg.UserAgent = version.UserAgent()
	fetchCfg.Logger = logger

	return &providerClient{
		search: httpclient.New(searchCfg),
		fetch:  httpclient.New(fetchCfg),
		logger: logger,
	}
}

func classBaseURL(ep models.ProviderEndpoint) string {
	if ep.BaseURL != "" {
		return urlutil.NormalizeBaseURL(ep.BaseURL)
	}
	return classBaseURLs[ep.Class]
}

// Search runs one query against the endpoint's class API and normalizes
// the response to SearchItems.
func (c *providerClient) Search(ctx context.Context, ep models.ProviderEndpoint, query string) ([]models.SearchItem, error) {
	switch ep.Class {
	case models.ClassJinaRead:
		return c.searchJina(ctx, ep, query)
	case models.ClassExa:
		return c.searchExa(ctx, ep, query)
	case models.ClassSerper:
		return c.searchSerper(ctx, ep, query)
	case models.ClassSerpAPI:
		return c.searchSerpAPI(ctx, ep, query)
	case models.ClassTavily:
		return c.searchTavily(ctx, ep, query)
	case models.ClassFirecrawl:
		return c.searchFirecrawl(ctx, ep, query)
	case models.ClassSupadata:
		return c.searchSupadata(ctx, ep, query)
	case models.ClassScrapingAnt:
		return c.searchScrapingAnt(ctx, ep, query)
	case models.ClassYouTube:
		return c.searchYouTube(ctx, ep, query)
	case models.ClassRapidAPI:
		return c.searchRapidAPI(ctx, ep, query)
	default:
		return nil, fmt.Errorf("class %s has no search surface", ep.Class)
	}
}

func (c *providerClient) getJSON(ctx context.Context, client *httpclient.Client, class models.CapabilityClass, rawURL string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	return c.doJSON(client, class, req, headers, out)
}

func (c *providerClient) postJSON(ctx context.Context, class models.CapabilityClass, rawURL string, headers map[string]string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doJSON(c.search, class, req, headers, out)
}

func (c *providerClient) doJSON(client *httpclient.Client, class models.CapabilityClass, req *http.Request, headers map[string]string, out any) error {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if status := statusFromTransport(err); status != 0 {
			return &providerError{class: class, status: status, body: err.Error()}
		}
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &providerError{class: class, status: resp.StatusCode, body: string(raw)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", class, err)
	}
	return nil
}

// statusFromTransport recovers an HTTP status the resilient client consumed
// while retrying.
func statusFromTransport(err error) int {
	msg := err.Error()
	idx := strings.LastIndex(msg, "status code: ")
	if idx < 0 {
		return 0
	}
	digits := msg[idx+len("status code: "):]
	status := 0
	for _, ch := range digits {
		if ch < '0' || ch > '9' {
			break
		}
		status = status*10 + int(ch-'0')
	}
	return status
}

func (c *providerClient) searchJina(ctx context.Context, ep models.ProviderEndpoint, query string) ([]models.SearchItem, error) {
	var resp struct {
		Data []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
			Content     string `json:"content"`
		} `json:"data"`
	}
	endpoint := classBaseURL(ep) + "/?q=" + url.QueryEscape(query)
	headers := map[string]string{"Authorization": "Bearer " + ep.Key}
	if err := c.getJSON(ctx, c.search, ep.Class, endpoint, headers, &resp); err != nil {
		return nil, err
	}

	items := make([]models.SearchItem, 0, len(resp.Data))
	for _, r := range resp.Data {
		items = append(items, models.SearchItem{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Description,
			Content: r.Content,
			Source:  string(ep.Class),
		})
	}
	return items, nil
}

func (c *providerClient) searchExa(ctx context.Context, ep models.ProviderEndpoint, query string) ([]models.SearchItem, error) {
	payload := map[string]any{
		"query":      query,
		"numResults": resultsPerQuery,
		"contents":   map[string]any{"text": true},
	}
	var resp struct {
		Results []struct {
			Title string `json:"title"`
			URL   string `json:"url"`
			Text  string `json:"text"`
		} `json:"results"`
	}
	headers := map[string]string{"x-api-key": ep.Key}
	if err := c.postJSON(ctx, ep.Class, classBaseURL(ep)+"/search", headers, payload, &resp); err != nil {
		return nil, err
	}

	items := make([]models.SearchItem, 0, len(resp.Results))
	for _, r := range resp.Results {
		items = append(items, models.SearchItem{
			Title:   r.Title,
			URL:     r.URL,
			Content: r.Text,
			Source:  string(ep.Class),
		})
	}
	return items, nil
}

func (c *providerClient) searchSerper(ctx context.Context, ep models.ProviderEndpoint, query string) ([]models.SearchItem, error) {
	payload := map[string]any{"q": query, "num": resultsPerQuery}
	var resp struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic"`
	}
	headers := map[string]string{"X-API-KEY": ep.Key}
	if err := c.postJSON(ctx, ep.Class, classBaseURL(ep)+"/search", headers, payload, &resp); err != nil {
		return nil, err
	}

	items := make([]models.SearchItem, 0, len(resp.Organic))
	for _, r := range resp.Organic {
		items = append(items, models.SearchItem{
			Title:   r.Title,
			URL:     r.Link,
			Snippet: r.Snippet,
			Source:  string(ep.Class),
		})
	}
	return items, nil
}

func (c *providerClient) searchSerpAPI(ctx context.Context, ep models.ProviderEndpoint, query string) ([]models.SearchItem, error) {
	var resp struct {
		OrganicResults []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic_results"`
	}
	endpoint := fmt.Sprintf("%s/search?engine=google&q=%s&num=%d&api_key=%s",
		classBaseURL(ep), url.QueryEscape(query), resultsPerQuery, url.QueryEscape(ep.Key))
	if err := c.getJSON(ctx, c.search, ep.Class, endpoint, nil, &resp); err != nil {
		return nil, err
	}

	items := make([]models.SearchItem, 0, len(resp.OrganicResults))
	for _, r := range resp.OrganicResults {
		items = append(items, models.SearchItem{
			Title:   r.Title,
			URL:     r.Link,
			Snippet: r.Snippet,
			Source:  string(ep.Class),
		})
	}
	return items, nil
}

func (c *providerClient) searchTavily(ctx context.Context, ep models.ProviderEndpoint, query string) ([]models.SearchItem, error) {
	payload := map[string]any{
		"api_key":     ep.Key,
		"query":       query,
		"max_results": resultsPerQuery,
	}
	var resp struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := c.postJSON(ctx, ep.Class, classBaseURL(ep)+"/search", nil, payload, &resp); err != nil {
		return nil, err
	}

	items := make([]models.SearchItem, 0, len(resp.Results))
	for _, r := range resp.Results {
		items = append(items, models.SearchItem{
			Title:   r.Title,
			URL:     r.URL,
			Content: r.Content,
			Source:  string(ep.Class),
		})
	}
	return items, nil
}

func (c *providerClient) searchFirecrawl(ctx context.Context, ep models.ProviderEndpoint, query string) ([]models.SearchItem, error) {
	payload := map[string]any{"query": query, "limit": resultsPerQuery}
	var resp struct {
		Data []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
			Markdown    string `json:"markdown"`
		} `json:"data"`
	}
	headers := map[string]string{"Authorization": "Bearer " + ep.Key}
	if err := c.postJSON(ctx, ep.Class, classBaseURL(ep)+"/v1/search", headers, payload, &resp); err != nil {
		return nil, err
	}

	items := make([]models.SearchItem, 0, len(resp.Data))
	for _, r := range resp.Data {
		items = append(items, models.SearchItem{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Description,
			Content: r.Markdown,
			Source:  string(ep.Class),
		})
	}
	return items, nil
}

func (c *providerClient) searchSupadata(ctx context.Context, ep models.ProviderEndpoint, query string) ([]models.SearchItem, error) {
	var resp struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	}
	endpoint := classBaseURL(ep) + "/v1/search?query=" + url.QueryEscape(query)
	headers := map[string]string{"x-api-key": ep.Key}
	if err := c.getJSON(ctx, c.search, ep.Class, endpoint, headers, &resp); err != nil {
		return nil, err
	}

	items := make([]models.SearchItem, 0, len(resp.Results))
	for _, r := range resp.Results {
		items = append(items, models.SearchItem{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Description,
			Source:  string(ep.Class),
		})
	}
	return items, nil
}

func (c *providerClient) searchYouTube(ctx context.Context, ep models.ProviderEndpoint, query string) ([]models.SearchItem, error) {
	var resp struct {
		Items []struct {
			ID struct {
				VideoID string `json:"videoId"`
			} `json:"id"`
			Snippet struct {
				Title       string `json:"title"`
				Description string `json:"description"`
			} `json:"snippet"`
		} `json:"items"`
	}
	endpoint := fmt.Sprintf("%s/search?part=snippet&type=video&maxResults=%d&q=%s&key=%s",
		classBaseURL(ep), resultsPerQuery, url.QueryEscape(query), url.QueryEscape(ep.Key))
	if err := c.getJSON(ctx, c.search, ep.Class, endpoint, nil, &resp); err != nil {
		return nil, err
	}

	items := make([]models.SearchItem, 0, len(resp.Items))
	for _, r := range resp.Items {
		if r.ID.VideoID == "" {
			continue
		}
		items = append(items, models.SearchItem{
			Title:   r.Snippet.Title,
			URL:     "https://www.youtube.com/watch?v=" + r.ID.VideoID,
			Snippet: r.Snippet.Description,
			Source:  string(ep.Class),
		})
	}
	return items, nil
}

func (c *providerClient) searchRapidAPI(ctx context.Context, ep models.ProviderEndpoint, query string) ([]models.SearchItem, error) {
	base := classBaseURL(ep)
	var resp struct {
		Data []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Snippet string `json:"snippet"`
		} `json:"data"`
	}
	endpoint := fmt.Sprintf("%s/search?q=%s&limit=%d", base, url.QueryEscape(query), resultsPerQuery)
	headers := map[string]string{"X-RapidAPI-Key": ep.Key}
	if parsed, err := url.Parse(base); err == nil {
		headers["X-RapidAPI-Host"] = parsed.Host
	}
	if err := c.getJSON(ctx, c.search, ep.Class, endpoint, headers, &resp); err != nil {
		return nil, err
	}

	items := make([]models.SearchItem, 0, len(resp.Data))
	for _, r := range resp.Data {
		items = append(items, models.SearchItem{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Snippet,
			Source:  string(ep.Class),
		})
	}
	return items, nil
}

// searchScrapingAnt has no search API of its own. URLs are fetched and run
// through extraction; plain queries go through a scraped results page.
func (c *providerClient) searchScrapingAnt(ctx context.Context, ep models.ProviderEndpoint, query string) ([]models.SearchItem, error) {
	if urlutil.IsRemoteURL(query) {
		return c.fetchPage(ctx, ep, query)
	}

	target := "https://html.duckduckgo.com/html/?q=" + url.QueryEscape(query)
	body, err := c.scrape(ctx, ep, target, c.search)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, fmt.Errorf("parsing results page: %w", err)
	}

	var items []models.SearchItem
	doc.Find(".result").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		link := sel.Find("a.result__a").First()
		href, _ := link.Attr("href")
		items = append(items, models.SearchItem{
			Title:   strings.TrimSpace(link.Text()),
			URL:     href,
			Snippet: strings.TrimSpace(sel.Find(".result__snippet").Text()),
			Source:  string(ep.Class),
		})
		return len(items) < resultsPerQuery
	})
	return items, nil
}

// fetchPage scrapes one URL and extracts its main content as Markdown.
func (c *providerClient) fetchPage(ctx context.Context, ep models.ProviderEndpoint, pageURL string) ([]models.SearchItem, error) {
	body, err := c.scrape(ctx, ep, pageURL, c.fetch)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	res, err := extract.FromReader(body, "")
	if err != nil {
		return nil, fmt.Errorf("extracting %s: %w", httpclient.ObfuscateURL(pageURL), err)
	}
	return []models.SearchItem{{
		Title:   res.Title,
		URL:     pageURL,
		Content: res.Markdown,
		Source:  string(ep.Class),
	}}, nil
}

func (c *providerClient) scrape(ctx context.Context, ep models.ProviderEndpoint, target string, client *httpclient.Client) (io.ReadCloser, error) {
	endpoint := fmt.Sprintf("%s/v2/general?url=%s&browser=false", classBaseURL(ep), url.QueryEscape(target))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("x-api-key", ep.Key)

	resp, err := client.Do(req)
	if err != nil {
		if status := statusFromTransport(err); status != 0 {
			return nil, &providerError{class: ep.Class, status: status, body: err.Error()}
		}
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &providerError{class: ep.Class, status: resp.StatusCode, body: string(raw)}
	}
	return resp.Body, nil
}
