package models

import (
	"encoding/json"
	"time"
)

// StreamName identifies one of the eight intelligence streams collected in
// Stage 1.
type StreamName string

const (
	StreamWeb        StreamName = "web"
	StreamSocial     StreamName = "social"
	StreamTrend      StreamName = "trend"
	StreamMarket     StreamName = "market"
	StreamCompetitor StreamName = "competitor"
	StreamContent    StreamName = "content"
	StreamBehavioral StreamName = "behavioral"
	StreamPredictive StreamName = "predictive"
)

// AllStreams lists the eight streams in canonical order.
func AllStreams() []StreamName {
	return []StreamName{
		StreamWeb, StreamSocial, StreamTrend, StreamMarket,
		StreamCompetitor, StreamContent, StreamBehavioral, StreamPredictive,
	}
}

// ServiceType returns the logical provider service each stream draws from.
func (s StreamName) ServiceType() ServiceType {
	switch s {
	case StreamSocial, StreamBehavioral:
		return ServiceSocialInsights
	case StreamContent:
		return ServiceContentExtraction
	default:
		return ServiceSearch
	}
}

// SearchItem is a single normalized provider result.
type SearchItem struct {
	Title   string `json:"title,omitempty"`
	URL     string `json:"url,omitempty"`
	Snippet string `json:"snippet,omitempty"`
	Content string `json:"content,omitempty"`

	// Source is the capability class that produced the item.
	Source string `json:"source,omitempty"`

	// Synthetic marks items added by the corpus-expansion step. Stage 2
	// treats synthetic items as lower-weight context.
	Synthetic bool `json:"synthetic,omitempty"`
}

// Bytes returns the approximate serialized size of the item's text fields.
func (i SearchItem) Bytes() int64 {
	return int64(len(i.Title) + len(i.URL) + len(i.Snippet) + len(i.Content))
}

// StreamResult holds one stream's results keyed by query variant.
type StreamResult struct {
	Stream StreamName `json:"stream"`

	// Provider is the capability class that ultimately served the stream.
	Provider string `json:"provider,omitempty"`

	// Variants maps query variant to normalized results.
	Variants map[string][]SearchItem `json:"variants"`

	// Error records why the stream produced nothing, when it failed.
	Error string `json:"error,omitempty"`
}

// NewStreamResult creates an empty result for a stream.
func NewStreamResult(stream StreamName) *StreamResult {
	return &StreamResult{
		Stream:   stream,
		Variants: map[string][]SearchItem{},
	}
}

// ItemCount returns the total number of items across variants.
func (r *StreamResult) ItemCount() int {
	n := 0
	for _, items := range r.Variants {
		n += len(items)
	}
	return n
}

// Populated returns true if the stream holds at least one non-empty result.
func (r *StreamResult) Populated() bool {
	for _, items := range r.Variants {
		for _, item := range items {
			if item.Title != "" || item.Snippet != "" || item.Content != "" || item.URL != "" {
				return true
			}
		}
	}
	return false
}

// CollectionMetadata describes how a corpus was assembled.
type CollectionMetadata struct {
	SourcesUsed  []string  `json:"sources_used"`
	VariantCount int       `json:"variant_count"`
	ResultCount  int       `json:"result_count"`
	SizeBytes    int64     `json:"size_bytes"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at"`

	// SyntheticExpansion is true when padding blocks were added to reach
	// the corpus byte floor.
	SyntheticExpansion bool `json:"synthetic_expansion"`

	// SyntheticBytes is the portion of SizeBytes added by expansion.
	SyntheticBytes int64 `json:"synthetic_bytes,omitempty"`
}

// MassiveCorpus is the Stage-1 output: eight intelligence streams plus
// collection metadata.
type MassiveCorpus struct {
	SessionID string                       `json:"session_id"`
	Brief     Brief                        `json:"brief"`
	Streams   map[StreamName]*StreamResult `json:"streams"`
	Metadata  CollectionMetadata           `json:"metadata"`
}

// NewMassiveCorpus creates an empty corpus with all eight streams present.
func NewMassiveCorpus(sessionID string, brief Brief) *MassiveCorpus {
	streams := make(map[StreamName]*StreamResult, len(AllStreams()))
	for _, name := range AllStreams() {
		streams[name] = NewStreamResult(name)
	}
	return &MassiveCorpus{
		SessionID: sessionID,
		Brief:     brief,
		Streams:   streams,
	}
}

// PopulatedStreams returns the number of streams with at least one
// non-empty result.
func (c *MassiveCorpus) PopulatedStreams() int {
	n := 0
	for _, stream := range c.Streams {
		if stream != nil && stream.Populated() {
			n++
		}
	}
	return n
}

// TotalItems returns the item count across all streams.
func (c *MassiveCorpus) TotalItems() int {
	n := 0
	for _, stream := range c.Streams {
		if stream != nil {
			n += stream.ItemCount()
		}
	}
	return n
}

// ByteSize returns the serialized size of the corpus in bytes.
func (c *MassiveCorpus) ByteSize() int64 {
	data, err := json.Marshal(c)
	if err != nil {
		return 0
	}
	return int64(len(data))
}
