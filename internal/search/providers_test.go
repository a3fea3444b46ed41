package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/marketpipe/internal/models"
	"github.com/jmylchreest/marketpipe/pkg/httpclient"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastClient builds a providerClient with millisecond retry pacing so the
// failure-path tests run quickly.
func fastClient(t *testing.T) *providerClient {
	t.Helper()
	cfg := httpclient.DefaultConfig()
	cfg.Timeout = 2 * time.Second
	cfg.RetryAttempts = 1
	cfg.RetryDelay = time.Millisecond
	cfg.RetryMaxDelay = 2 * time.Millisecond
	cfg.MaxResponseSize = maxSearchResponse
	cfg.Logger = discardLogger()
	return &providerClient{
		search: httpclient.New(cfg),
		fetch:  httpclient.New(cfg),
		logger: discardLogger(),
	}
}

func endpointFor(class models.CapabilityClass, baseURL string) models.ProviderEndpoint {
	return models.ProviderEndpoint{
		Name:    string(class) + "-1",
		Class:   class,
		BaseURL: baseURL,
		Key:     "test-key",
	}
}

func TestSearchJina(t *testing.T) {
	var gotAuth, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.Query().Get("q")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":[{"title":"Roast report","url":"https://a.example/1","description":"desc","content":"full text"}]}`)
	}))
	defer srv.Close()

	items, err := fastClient(t).Search(context.Background(),
		endpointFor(models.ClassJinaRead, srv.URL), "coffee trends")
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "coffee trends", gotQuery)
	require.Len(t, items, 1)
	assert.Equal(t, models.SearchItem{
		Title:   "Roast report",
		URL:     "https://a.example/1",
		Snippet: "desc",
		Content: "full text",
		Source:  "jina-read",
	}, items[0])
}

func TestSearchExa(t *testing.T) {
	var gotKey string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, `{"results":[{"title":"Market notes","url":"https://b.example/2","text":"body text"}]}`)
	}))
	defer srv.Close()

	items, err := fastClient(t).Search(context.Background(),
		endpointFor(models.ClassExa, srv.URL), "coffee market")
	require.NoError(t, err)

	assert.Equal(t, "test-key", gotKey)
	assert.Equal(t, "coffee market", gotBody["query"])
	assert.Equal(t, float64(resultsPerQuery), gotBody["numResults"])
	require.Len(t, items, 1)
	assert.Equal(t, "body text", items[0].Content)
	assert.Equal(t, "exa", items[0].Source)
}

func TestSearchSerper(t *testing.T) {
	var gotKey string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		gotKey = r.Header.Get("X-API-KEY")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, `{"organic":[{"title":"Guide","link":"https://c.example/3","snippet":"short"}]}`)
	}))
	defer srv.Close()

	items, err := fastClient(t).Search(context.Background(),
		endpointFor(models.ClassSerper, srv.URL), "coffee guide")
	require.NoError(t, err)

	assert.Equal(t, "test-key", gotKey)
	assert.Equal(t, "coffee guide", gotBody["q"])
	require.Len(t, items, 1)
	assert.Equal(t, "https://c.example/3", items[0].URL)
	assert.Equal(t, "short", items[0].Snippet)
}

func TestSearchSerpAPI(t *testing.T) {
	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		fmt.Fprint(w, `{"organic_results":[{"title":"Result","link":"https://d.example/4","snippet":"snip"}]}`)
	}))
	defer srv.Close()

	items, err := fastClient(t).Search(context.Background(),
		endpointFor(models.ClassSerpAPI, srv.URL), "coffee prices")
	require.NoError(t, err)

	assert.Equal(t, "google", gotQuery["engine"][0])
	assert.Equal(t, "coffee prices", gotQuery["q"][0])
	assert.Equal(t, "test-key", gotQuery["api_key"][0])
	require.Len(t, items, 1)
	assert.Equal(t, "serpapi", items[0].Source)
}

func TestSearchTavily(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, `{"results":[{"title":"Overview","url":"https://e.example/5","content":"long content"}]}`)
	}))
	defer srv.Close()

	items, err := fastClient(t).Search(context.Background(),
		endpointFor(models.ClassTavily, srv.URL), "coffee overview")
	require.NoError(t, err)

	assert.Equal(t, "test-key", gotBody["api_key"], "tavily takes the key in the body")
	require.Len(t, items, 1)
	assert.Equal(t, "long content", items[0].Content)
}

func TestSearchFirecrawl(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/search", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"data":[{"title":"Page","url":"https://f.example/6","description":"d","markdown":"# Page"}]}`)
	}))
	defer srv.Close()

	items, err := fastClient(t).Search(context.Background(),
		endpointFor(models.ClassFirecrawl, srv.URL), "coffee page")
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-key", gotAuth)
	require.Len(t, items, 1)
	assert.Equal(t, "# Page", items[0].Content)
	assert.Equal(t, "d", items[0].Snippet)
}

func TestSearchSupadata(t *testing.T) {
	var gotKey, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/search", r.URL.Path)
		gotKey = r.Header.Get("x-api-key")
		gotQuery = r.URL.Query().Get("query")
		fmt.Fprint(w, `{"results":[{"title":"Thread","url":"https://g.example/7","description":"social"}]}`)
	}))
	defer srv.Close()

	items, err := fastClient(t).Search(context.Background(),
		endpointFor(models.ClassSupadata, srv.URL), "coffee sentiment")
	require.NoError(t, err)

	assert.Equal(t, "test-key", gotKey)
	assert.Equal(t, "coffee sentiment", gotQuery)
	require.Len(t, items, 1)
	assert.Equal(t, "supadata", items[0].Source)
}

func TestSearchYouTube(t *testing.T) {
	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		gotQuery = r.URL.Query()
		fmt.Fprint(w, `{"items":[
			{"id":{"videoId":"abc123"},"snippet":{"title":"Brew basics","description":"how to"}},
			{"id":{},"snippet":{"title":"Channel","description":"not a video"}}
		]}`)
	}))
	defer srv.Close()

	items, err := fastClient(t).Search(context.Background(),
		endpointFor(models.ClassYouTube, srv.URL), "coffee review")
	require.NoError(t, err)

	assert.Equal(t, "snippet", gotQuery["part"][0])
	assert.Equal(t, "video", gotQuery["type"][0])
	assert.Equal(t, "coffee review", gotQuery["q"][0])
	assert.Equal(t, "test-key", gotQuery["key"][0])
	require.Len(t, items, 1, "entries without a video id are skipped")
	assert.Equal(t, "https://www.youtube.com/watch?v=abc123", items[0].URL)
	assert.Equal(t, "Brew basics", items[0].Title)
}

func TestSearchRapidAPI(t *testing.T) {
	var gotKey, gotHost string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-RapidAPI-Key")
		gotHost = r.Header.Get("X-RapidAPI-Host")
		fmt.Fprint(w, `{"data":[{"title":"Hit","url":"https://h.example/8","snippet":"s"}]}`)
	}))
	defer srv.Close()

	items, err := fastClient(t).Search(context.Background(),
		endpointFor(models.ClassRapidAPI, srv.URL), "coffee news")
	require.NoError(t, err)

	assert.Equal(t, "test-key", gotKey)
	assert.Equal(t, strings.TrimPrefix(srv.URL, "http://"), gotHost)
	require.Len(t, items, 1)
	assert.Equal(t, "rapidapi", items[0].Source)
}

func TestSearchScrapingAnt_ResultsPage(t *testing.T) {
	var gotTarget string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/general", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		gotTarget = r.URL.Query().Get("url")
		fmt.Fprint(w, `<html><body>
			<div class="result"><a class="result__a" href="https://one.example/a"> First Hit </a>
				<div class="result__snippet"> first snippet </div></div>
			<div class="result"><a class="result__a" href="https://two.example/b">Second Hit</a>
				<div class="result__snippet">second snippet</div></div>
		</body></html>`)
	}))
	defer srv.Close()

	items, err := fastClient(t).Search(context.Background(),
		endpointFor(models.ClassScrapingAnt, srv.URL), "coffee subscriptions")
	require.NoError(t, err)

	assert.Contains(t, gotTarget, "duckduckgo.com")
	assert.Contains(t, gotTarget, "coffee+subscriptions")
	require.Len(t, items, 2)
	assert.Equal(t, "First Hit", items[0].Title)
	assert.Equal(t, "https://one.example/a", items[0].URL)
	assert.Equal(t, "first snippet", items[0].Snippet)
	assert.Equal(t, "scrapingant", items[0].Source)
}

func TestSearchScrapingAnt_FetchesURLQueries(t *testing.T) {
	const article = `<html><head><title>Inside the Roastery</title></head><body>
		<nav>Home | About</nav>
		<article><h1>Inside the Roastery</h1>
		<p>Specialty roasters have spent the last decade turning coffee sourcing into a
		traceable supply chain, with direct relationships that reach individual farms and
		harvest lots rather than commodity exchanges.</p>
		<p>That shift changes the economics of a subscription: the roaster carries
		inventory risk on small lots, and the subscriber pays for provenance.</p>
		</article></body></html>`

	var gotTarget string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/general", r.URL.Path)
		gotTarget = r.URL.Query().Get("url")
		fmt.Fprint(w, article)
	}))
	defer srv.Close()

	items, err := fastClient(t).Search(context.Background(),
		endpointFor(models.ClassScrapingAnt, srv.URL), "https://pages.example/roastery")
	require.NoError(t, err)

	assert.Equal(t, "https://pages.example/roastery", gotTarget)
	require.Len(t, items, 1)
	assert.Equal(t, "Inside the Roastery", items[0].Title)
	assert.Equal(t, "https://pages.example/roastery", items[0].URL)
	assert.Contains(t, items[0].Content, "traceable supply chain")
	assert.NotContains(t, items[0].Content, "Home | About", "site chrome is stripped")
}

func TestSearch_ServerErrorBecomesProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := fastClient(t).Search(context.Background(),
		endpointFor(models.ClassSerper, srv.URL), "coffee")
	require.Error(t, err)

	var pe *providerError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusInternalServerError, pe.status)
	assert.False(t, pe.RateLimited())
}

func TestSearch_RateLimitRecoveredFromTransport(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := fastClient(t).Search(context.Background(),
		endpointFor(models.ClassTavily, srv.URL), "coffee")
	require.Error(t, err)

	// The transport consumes retryable statuses while retrying; the
	// provider error must still surface the 429 for rotation decisions.
	var pe *providerError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusTooManyRequests, pe.status)
	assert.True(t, pe.RateLimited())
	assert.Equal(t, int32(2), hits.Load(), "one retry before giving up")
}

func TestSearch_UnknownClass(t *testing.T) {
	_, err := fastClient(t).Search(context.Background(),
		models.ProviderEndpoint{Name: "gemini-1", Class: models.ClassGemini}, "coffee")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no search surface")
}

func TestStatusFromTransport(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"max retries", errors.New("maximum retry attempts exceeded: retryable status code: 429"), 429},
		{"bare status", errors.New("retryable status code: 503"), 503},
		{"trailing text", errors.New("retryable status code: 502 (bad gateway)"), 502},
		{"no status", errors.New("connection refused"), 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, statusFromTransport(tc.err))
		})
	}
}

func TestClassBaseURL(t *testing.T) {
	ep := endpointFor(models.ClassExa, "")
	assert.Equal(t, "https://api.exa.ai", classBaseURL(ep))

	ep.BaseURL = "https://alt.example/api/"
	assert.Equal(t, "https://alt.example/api", classBaseURL(ep))
}

func TestProviderError_TruncatesBody(t *testing.T) {
	pe := &providerError{class: models.ClassExa, status: 500, body: strings.Repeat("x", 400)}
	msg := pe.Error()
	assert.Less(t, len(msg), 250)
	assert.Contains(t, msg, "...")
	assert.Contains(t, msg, "500")
}
