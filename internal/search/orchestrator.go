// Package search implements Stage 1: fan a research brief out across eight
// intelligence streams, normalize provider results into a corpus, and expand
// it to the configured byte floor.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/marketpipe/internal/artifact"
	"github.com/jmylchreest/marketpipe/internal/config"
	"github.com/jmylchreest/marketpipe/internal/models"
	"github.com/jmylchreest/marketpipe/internal/observability"
	"github.com/jmylchreest/marketpipe/internal/pipeline/core"
	"github.com/jmylchreest/marketpipe/internal/registry"
	progressfabric "github.com/jmylchreest/marketpipe/internal/service/progress"
	"github.com/jmylchreest/marketpipe/internal/urlutil"
)

// StepCount is the number of progress steps Stage 1 reports.
const StepCount = 5

// searchClient issues one normalized query against a provider endpoint.
type searchClient interface {
	Search(ctx context.Context, ep models.ProviderEndpoint, query string) ([]models.SearchItem, error)
}

// Orchestrator coordinates corpus collection for one session at a time. It is
// safe for concurrent use across sessions.
type Orchestrator struct {
	registry *registry.Registry
	store    *artifact.Store
	fabric   *progressfabric.Fabric
	cfg      config.SearchConfig
	logger   *slog.Logger
	client   searchClient

	now func() time.Time
}

// NewOrchestrator wires the Stage-1 orchestrator with its provider transport.
func NewOrchestrator(reg *registry.Registry, store *artifact.Store, fabric *progressfabric.Fabric, cfg config.SearchConfig, logger *slog.Logger) *Orchestrator {
	log := observability.WithComponent(logger, "search-orchestrator")
	return &Orchestrator{
		registry: reg,
		store:    store,
		fabric:   fabric,
		cfg:      cfg,
		logger:   log,
		client:   newProviderClient(cfg, log),
		now:      time.Now,
	}
}

// Collect runs the full Stage-1 flow: variant generation, eight concurrent
// stream collections with provider rotation, merge and URL dedupe, synthetic
// expansion up to the byte floor, and atomic corpus persistence. Progress is
// reported on the [baseStep+1, baseStep+StepCount] band.
//
// Collect fails only when no stream produced a usable result or when the
// corpus cannot be persisted; individual stream failures are recorded as
// error artifacts and the remaining streams carry the stage.
func (o *Orchestrator) Collect(ctx context.Context, sessionID string, brief models.Brief, baseStep int) (*models.MassiveCorpus, error) {
	started := o.now()
	variants := BuildVariants(brief, o.cfg.MaxVariants, started)

	o.step(sessionID, baseStep+1, "generating query variants", fmt.Sprintf("%d variants", len(variants)))
	variantPayload := map[string]any{"variants": variants, "count": len(variants)}
	if _, err := o.store.SaveStage(sessionID, "query_variants", variantPayload, models.CategoryCollection); err != nil {
		return nil, core.NewError(core.KindPersistenceFailure, "search.collect", err)
	}

	corpus := models.NewMassiveCorpus(sessionID, brief)
	streams := models.AllStreams()
	o.step(sessionID, baseStep+2, "collecting intelligence streams",
		fmt.Sprintf("%d streams, %d variants each", len(streams), len(variants)))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		done int
	)
	for _, stream := range streams {
		wg.Add(1)
		go func(stream models.StreamName) {
			defer wg.Done()
			res := o.runStream(ctx, sessionID, stream, variants)

			mu.Lock()
			corpus.Streams[stream] = res
			done++
			n := done
			mu.Unlock()

			o.step(sessionID, baseStep+2, "stream complete",
				fmt.Sprintf("%s (%d/%d)", stream, n, len(streams)))
		}(stream)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, core.NewError(core.KindCancelled, "search.collect", err)
	}

	removed := dedupeCorpus(corpus)
	populated := corpus.PopulatedStreams()
	o.step(sessionID, baseStep+3, "merging streams",
		fmt.Sprintf("%d/%d populated, %d duplicates dropped", populated, len(streams), removed))

	if populated == 0 {
		err := core.NewError(core.KindNoProviderAvailable, "search.collect",
			errors.New("every stream failed or returned nothing"))
		if _, serr := o.store.SaveError(sessionID, "collection_failed", err, map[string]any{
			"variant_count": len(variants),
		}); serr != nil {
			o.logger.Warn("recording collection failure artifact",
				slog.String("session_id", sessionID),
				slog.String("error", serr.Error()))
		}
		return nil, err
	}

	target := int64(o.cfg.TargetBytes)
	size := corpus.ByteSize()
	var syntheticBytes int64
	if target > 0 && size < target {
		var capped bool
		syntheticBytes, capped = expandCorpus(corpus, target)
		o.step(sessionID, baseStep+4, "expanding corpus",
			fmt.Sprintf("%d synthetic bytes added", syntheticBytes))
		if capped {
			o.logger.Warn("synthetic expansion capped below target",
				slog.String("session_id", sessionID),
				slog.Int64("collected_bytes", size),
				slog.Int64("target_bytes", target))
			if _, serr := o.store.SaveError(sessionID, "expansion_capped",
				errors.New("synthetic expansion hit its block cap before the byte target"),
				map[string]any{
					"collected_bytes": size,
					"target_bytes":    target,
					"synthetic_bytes": syntheticBytes,
				}); serr != nil {
				o.logger.Warn("recording expansion warning artifact",
					slog.String("session_id", sessionID),
					slog.String("error", serr.Error()))
			}
		}
	} else {
		o.step(sessionID, baseStep+4, "corpus at target size", fmt.Sprintf("%d bytes", size))
	}

	corpus.Metadata = models.CollectionMetadata{
		SourcesUsed:        sourcesUsed(corpus),
		VariantCount:       len(variants),
		ResultCount:        corpus.TotalItems(),
		StartedAt:          started,
		CompletedAt:        o.now(),
		SyntheticExpansion: syntheticBytes > 0,
		SyntheticBytes:     syntheticBytes,
	}
	corpus.Metadata.SizeBytes = corpus.ByteSize()

	if _, err := o.store.SaveStage(sessionID, "massive_corpus", corpus, models.CategoryCollection); err != nil {
		return nil, core.NewError(core.KindPersistenceFailure, "search.collect", err)
	}
	o.step(sessionID, baseStep+StepCount, "corpus persisted",
		fmt.Sprintf("%d items, %d bytes", corpus.Metadata.ResultCount, corpus.Metadata.SizeBytes))

	o.logger.Info("corpus collected",
		slog.String("session_id", sessionID),
		slog.Int("populated_streams", populated),
		slog.Int("items", corpus.Metadata.ResultCount),
		slog.Int64("bytes", corpus.Metadata.SizeBytes),
		slog.Int64("synthetic_bytes", syntheticBytes),
		slog.Duration("elapsed", corpus.Metadata.CompletedAt.Sub(started)))
	return corpus, nil
}

// runStream collects one stream: a provider from the stream's fallback chain,
// then every variant serially with the configured inter-request delay. A
// failing provider is reported to the registry and the chain advances; an
// exhausted chain terminates the stream, keeping whatever it had collected.
func (o *Orchestrator) runStream(ctx context.Context, sessionID string, stream models.StreamName, variants []string) *models.StreamResult {
	res := models.NewStreamResult(stream)
	service := stream.ServiceType()
	log := o.logger.With(
		slog.String("stream", string(stream)),
		slog.String("service", string(service)))

	ep, err := o.registry.GetWithFallback(service)
	if err != nil {
		res.Error = err.Error()
		log.Warn("stream has no provider", slog.String("error", err.Error()))
		o.saveStreamError(sessionID, stream, err)
		o.saveStream(sessionID, stream, res)
		return res
	}

	for i, variant := range variants {
		if i > 0 {
			if err := o.pause(ctx); err != nil {
				res.Error = err.Error()
				break
			}
		}

		items, next, err := o.searchWithRotation(ctx, service, ep, streamQuery(stream, variant), log)
		ep = next
		if err != nil {
			res.Error = err.Error()
			if core.IsKind(err, core.KindNoProviderAvailable) {
				log.Warn("stream terminated, provider chain exhausted",
					slog.Int("variants_done", i),
					slog.String("error", err.Error()))
				o.saveStreamError(sessionID, stream, err)
			}
			break
		}
		if len(items) > 0 {
			res.Variants[variant] = items
		}
	}

	res.Provider = string(ep.Class)
	o.saveStream(sessionID, stream, res)
	log.Debug("stream finished",
		slog.String("provider", res.Provider),
		slog.Int("items", res.ItemCount()),
		slog.Bool("failed", res.Error != ""))
	return res
}

// searchWithRotation tries the query on the current endpoint and walks the
// fallback chain on failure. It returns the endpoint that served the query so
// the stream keeps using it for subsequent variants.
func (o *Orchestrator) searchWithRotation(ctx context.Context, service models.ServiceType, ep *models.ProviderEndpoint, query string, log *slog.Logger) ([]models.SearchItem, *models.ProviderEndpoint, error) {
	for {
		items, err := o.client.Search(ctx, *ep, query)
		if err == nil {
			return items, ep, nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return nil, ep, core.NewError(core.KindCancelled, "search.stream", cerr)
		}

		o.reportFailure(ep, err, log)
		next, rerr := o.registry.GetWithFallbackAfter(service, ep.Class)
		if rerr != nil {
			return nil, ep, core.NewError(core.KindNoProviderAvailable, "search.stream",
				fmt.Errorf("provider chain exhausted after %s: %w", ep.Class, err))
		}
		log.Info("stream provider rotated",
			slog.String("from", string(ep.Class)),
			slog.String("to", string(next.Class)))
		ep = next
	}
}

// reportFailure feeds a provider failure back into the registry so rotation
// state reflects it.
func (o *Orchestrator) reportFailure(ep *models.ProviderEndpoint, err error, log *slog.Logger) {
	var pe *providerError
	if errors.As(err, &pe) && pe.RateLimited() {
		log.Warn("provider rate limited",
			slog.String("provider", ep.Name),
			slog.String("error", err.Error()))
		o.registry.MarkRateLimited(ep.Class, ep.Name, time.Time{})
		return
	}
	log.Warn("provider request failed",
		slog.String("provider", ep.Name),
		slog.String("error", err.Error()))
	o.registry.MarkError(ep.Class, ep.Name, err)
}

func (o *Orchestrator) saveStream(sessionID string, stream models.StreamName, res *models.StreamResult) {
	if _, err := o.store.SaveStage(sessionID, "stream_"+string(stream), res, models.CategoryCollection); err != nil {
		o.logger.Warn("persisting stream artifact",
			slog.String("session_id", sessionID),
			slog.String("stream", string(stream)),
			slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) saveStreamError(sessionID string, stream models.StreamName, cause error) {
	if _, err := o.store.SaveError(sessionID, "stream_"+string(stream)+"_failed", cause, map[string]any{
		"stream":  string(stream),
		"service": string(stream.ServiceType()),
	}); err != nil {
		o.logger.Warn("persisting stream error artifact",
			slog.String("session_id", sessionID),
			slog.String("stream", string(stream)),
			slog.String("error", err.Error()))
	}
}

// pause waits out the inter-request delay, aborting early on cancellation.
func (o *Orchestrator) pause(ctx context.Context) error {
	if o.cfg.StreamDelay <= 0 {
		return nil
	}
	t := time.NewTimer(o.cfg.StreamDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (o *Orchestrator) step(sessionID string, step int, message, detail string) {
	if err := o.fabric.Update(sessionID, step, message, detail); err != nil {
		o.logger.Debug("progress update skipped",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
}

// dedupeCorpus removes cross-stream duplicates by canonical URL, keeping the
// first occurrence in canonical stream order. Items without a URL are kept.
func dedupeCorpus(c *models.MassiveCorpus) int {
	seen := make(map[string]struct{})
	removed := 0
	for _, name := range models.AllStreams() {
		stream := c.Streams[name]
		if stream == nil {
			continue
		}
		variants := make([]string, 0, len(stream.Variants))
		for v := range stream.Variants {
			variants = append(variants, v)
		}
		sort.Strings(variants)

		for _, v := range variants {
			items := stream.Variants[v]
			kept := items[:0]
			for _, item := range items {
				key := canonicalKey(item.URL)
				if key != "" {
					if _, dup := seen[key]; dup {
						removed++
						continue
					}
					seen[key] = struct{}{}
				}
				kept = append(kept, item)
			}
			if len(kept) == 0 {
				delete(stream.Variants, v)
			} else {
				stream.Variants[v] = kept
			}
		}
	}
	return removed
}

func canonicalKey(raw string) string {
	if raw == "" {
		return ""
	}
	canon, err := urlutil.Canonicalize(raw)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(raw))
	}
	return canon
}

// sourcesUsed returns the sorted set of capability classes that contributed
// at least one item.
func sourcesUsed(c *models.MassiveCorpus) []string {
	set := map[string]struct{}{}
	for _, stream := range c.Streams {
		if stream == nil {
			continue
		}
		for _, items := range stream.Variants {
			for _, item := range items {
				if item.Source != "" {
					set[item.Source] = struct{}{}
				}
			}
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
