package study

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jmylchreest/marketpipe/internal/models"
)

// excerptBudget caps the sampled corpus text handed to the absorption prompt.
const excerptBudget = 6000

// corpusDigest is the quantitative summary the study phases work from. Byte
// counts are text-level sums over items, so a corpus reloaded from disk
// digests identically to a freshly collected one.
type corpusDigest struct {
	TotalItems     int
	TotalBytes     int64
	RealBytes      int64
	SyntheticBytes int64
	Streams        []streamDigest
}

type streamDigest struct {
	Stream   models.StreamName
	Provider string
	Items    int
	Bytes    int64
}

// SyntheticShare is the fraction of digested bytes that came from corpus
// expansion rather than providers.
func (d corpusDigest) SyntheticShare() float64 {
	if d.TotalBytes == 0 {
		return 0
	}
	return float64(d.SyntheticBytes) / float64(d.TotalBytes)
}

func buildDigest(corpus *models.MassiveCorpus) corpusDigest {
	var d corpusDigest
	for _, name := range models.AllStreams() {
		stream := corpus.Streams[name]
		if stream == nil {
			continue
		}
		sd := streamDigest{Stream: name, Provider: stream.Provider}
		for _, items := range stream.Variants {
			for _, item := range items {
				b := item.Bytes()
				sd.Items++
				sd.Bytes += b
				if item.Synthetic {
					d.SyntheticBytes += b
				} else {
					d.RealBytes += b
				}
			}
		}
		if sd.Items > 0 {
			d.Streams = append(d.Streams, sd)
			d.TotalItems += sd.Items
		}
	}
	d.TotalBytes = d.RealBytes + d.SyntheticBytes
	return d
}

// summary renders the digest as a compact table for prompt context.
func (d corpusDigest) summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Corpus: %d items, %d bytes (%.0f%% synthetic padding)\n",
		d.TotalItems, d.TotalBytes, d.SyntheticShare()*100)
	for _, sd := range d.Streams {
		fmt.Fprintf(&sb, "- %s stream: %d items, %d bytes (provider %s)\n",
			sd.Stream, sd.Items, sd.Bytes, sd.Provider)
	}
	return sb.String()
}

// sampleExcerpts pulls representative non-synthetic items from the corpus,
// capped by the character budget. Streams and variants are walked in
// deterministic order so the same corpus always samples the same text.
func sampleExcerpts(corpus *models.MassiveCorpus, budget int) string {
	const (
		maxVariantsPerStream = 3
		maxItemsPerVariant   = 2
		maxExcerptLen        = 240
	)

	var sb strings.Builder
	for _, name := range models.AllStreams() {
		stream := corpus.Streams[name]
		if stream == nil {
			continue
		}
		variants := make([]string, 0, len(stream.Variants))
		for v := range stream.Variants {
			variants = append(variants, v)
		}
		sort.Strings(variants)
		if len(variants) > maxVariantsPerStream {
			variants = variants[:maxVariantsPerStream]
		}

		for _, v := range variants {
			taken := 0
			for _, item := range stream.Variants[v] {
				if item.Synthetic || taken >= maxItemsPerVariant {
					continue
				}
				line := excerptLine(name, item, maxExcerptLen)
				if line == "" {
					continue
				}
				if sb.Len()+len(line) > budget {
					return sb.String()
				}
				sb.WriteString(line)
				taken++
			}
		}
	}
	return sb.String()
}

func excerptLine(stream models.StreamName, item models.SearchItem, maxLen int) string {
	text := item.Snippet
	if text == "" {
		text = item.Content
	}
	text = strings.Join(strings.Fields(text), " ")
	if item.Title == "" && text == "" {
		return ""
	}
	line := fmt.Sprintf("- [%s] %s: %s", stream, item.Title, text)
	if len(line) > maxLen {
		line = line[:maxLen]
	}
	return line + "\n"
}
