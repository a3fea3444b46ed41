package search

import (
	"fmt"
	"strings"
	"time"

	"github.com/jmylchreest/marketpipe/internal/models"
)

// Variant count bounds. The fan-out always produces at least minVariants
// and never more than the configured maximum.
const (
	minVariants = 20
	maxVariants = 40
)

// nicheTemplates drill into sub-segments of the market.
var nicheTemplates = []string{
	"%s niche markets",
	"%s emerging segments",
	"%s underserved customers",
	"best %s for small business",
}

// longTailTemplates chase specific purchase-intent phrasings.
var longTailTemplates = []string{
	"how to choose %s",
	"%s pricing comparison",
	"%s alternatives review",
	"is %s worth it",
	"%s buying guide",
}

// semanticTemplates restate the brief in adjacent vocabulary.
var semanticTemplates = []string{
	"%s industry analysis",
	"%s market opportunity",
	"%s customer pain points",
	"%s demand drivers",
}

// temporalTemplates anchor queries to the current and next year.
var temporalTemplates = []string{
	"%s trends %d",
	"%s outlook %d",
	"%s market size %d",
	"%s growth forecast %d",
}

// BuildVariants expands a brief into the Stage-1 query fan-out: the primary
// query plus niche, audience, long-tail, semantic, and temporal variants,
// deduplicated and bounded.
func BuildVariants(brief models.Brief, limit int, now time.Time) []string {
	if limit <= 0 || limit > maxVariants {
		limit = maxVariants
	}
	if limit < minVariants {
		limit = minVariants
	}

	primary := brief.Query()
	segment := strings.TrimSpace(brief.Segment)
	product := strings.TrimSpace(brief.Product)
	audience := strings.TrimSpace(brief.Audience)

	seen := make(map[string]bool, limit)
	variants := make([]string, 0, limit)
	add := func(q string) {
		q = strings.Join(strings.Fields(q), " ")
		if q == "" {
			return
		}
		key := strings.ToLower(q)
		if seen[key] || len(variants) >= limit {
			return
		}
		seen[key] = true
		variants = append(variants, q)
	}

	add(primary)
	add(segment)
	add(product)

	for _, tmpl := range nicheTemplates {
		add(fmt.Sprintf(tmpl, segment))
	}

	if audience != "" {
		add(fmt.Sprintf("%s for %s", product, audience))
		add(fmt.Sprintf("%s %s adoption", audience, segment))
		add(fmt.Sprintf("what %s want from %s", audience, product))
	}

	for _, tmpl := range longTailTemplates {
		add(fmt.Sprintf(tmpl, product))
	}
	for _, tmpl := range semanticTemplates {
		add(fmt.Sprintf(tmpl, segment))
	}

	year := now.Year()
	for _, tmpl := range temporalTemplates {
		add(fmt.Sprintf(tmpl, segment, year))
	}
	add(fmt.Sprintf("%s predictions %d", segment, year+1))

	// Cross products last, filling up to the floor when the brief is short.
	if objective := strings.TrimSpace(brief.Objective); objective != "" {
		add(fmt.Sprintf("%s %s", segment, objective))
		add(fmt.Sprintf("%s %s", product, objective))
	}
	for _, tmpl := range longTailTemplates {
		if len(variants) >= minVariants {
			break
		}
		add(fmt.Sprintf(tmpl, segment))
	}
	for _, tmpl := range semanticTemplates {
		if len(variants) >= minVariants {
			break
		}
		add(fmt.Sprintf(tmpl, product))
	}
	for _, tmpl := range temporalTemplates {
		if len(variants) >= minVariants {
			break
		}
		add(fmt.Sprintf(tmpl, product, year))
	}

	return variants
}

// streamQuery specializes a variant for one stream's angle.
func streamQuery(stream models.StreamName, variant string) string {
	switch stream {
	case models.StreamSocial:
		return variant + " social media sentiment"
	case models.StreamTrend:
		return variant + " market trends"
	case models.StreamMarket:
		return variant + " market size revenue"
	case models.StreamCompetitor:
		return variant + " competitors comparison"
	case models.StreamBehavioral:
		return variant + " consumer behavior"
	case models.StreamPredictive:
		return variant + " forecast outlook"
	default:
		return variant
	}
}
