package search

import (
	"fmt"
	"strings"

	"github.com/jmylchreest/marketpipe/internal/models"
)

// syntheticVariant is the variant key expansion items are filed under.
const syntheticVariant = "synthetic_expansion"

// maxSyntheticBlocks caps expansion so a tiny collection cannot balloon the
// corpus indefinitely. At roughly a kilobyte and a half per block the cap
// comfortably covers the default byte floor.
const maxSyntheticBlocks = 512

// syntheticKinds are the four padding block types, each filed into a fixed
// stream, cycled in order during expansion.
var syntheticKinds = []struct {
	kind   string
	stream models.StreamName
}{
	{"analysis", models.StreamMarket},
	{"insights", models.StreamSocial},
	{"patterns", models.StreamTrend},
	{"predictions", models.StreamPredictive},
}

var syntheticAngles = map[string][]string{
	"analysis": {
		"pricing pressure across the category",
		"distribution channel economics",
		"unit cost structure and margin headroom",
		"regulatory exposure and compliance load",
		"supply-side constraints",
		"competitive concentration",
	},
	"insights": {
		"community sentiment around the segment",
		"word-of-mouth and referral loops",
		"purchase triggers reported by buyers",
		"switching behavior between offerings",
		"retention and repeat-purchase drivers",
		"advocacy and review dynamics",
	},
	"patterns": {
		"seasonal demand swings",
		"category convergence with adjacent markets",
		"premiumization of the top tier",
		"channel shift toward direct purchase",
		"adoption curve position of the segment",
		"repeat purchase cadence",
	},
	"predictions": {
		"expected category growth trajectory",
		"likely new entrants and their angles",
		"price evolution over the next cycles",
		"consolidation among incumbents",
		"substitute products gaining ground",
		"demand inflection points to watch",
	},
}

// expandCorpus appends typed synthetic blocks until the corpus reaches the
// byte target or the block cap. Returns the bytes added and whether the cap
// fired before the target. Block bytes are counted conservatively, so the
// serialized corpus lands at or above the target.
func expandCorpus(corpus *models.MassiveCorpus, target int64) (int64, bool) {
	size := corpus.ByteSize()
	if size >= target {
		return 0, false
	}

	var added int64
	for n := 1; size+added < target; n++ {
		if n > maxSyntheticBlocks {
			return added, true
		}
		spec := syntheticKinds[(n-1)%len(syntheticKinds)]
		item := models.SearchItem{
			Title:     fmt.Sprintf("Synthetic %s block %d", spec.kind, n),
			Content:   syntheticBlock(corpus.Brief, spec.kind, n),
			Source:    "synthetic",
			Synthetic: true,
		}

		stream := corpus.Streams[spec.stream]
		if stream == nil {
			stream = models.NewStreamResult(spec.stream)
			corpus.Streams[spec.stream] = stream
		}
		stream.Variants[syntheticVariant] = append(stream.Variants[syntheticVariant], item)
		added += item.Bytes()
	}
	return added, false
}

// syntheticBlock renders one deterministic padding block. The text is derived
// from the brief so downstream study phases get on-topic context, and each
// block rotates through a different angle ordering so consecutive blocks are
// not identical.
func syntheticBlock(brief models.Brief, kind string, n int) string {
	angles := syntheticAngles[kind]
	var sb strings.Builder

	fmt.Fprintf(&sb, "## %s perspective %d on %s\n\n", titleKind(kind), n, brief.Segment)
	fmt.Fprintf(&sb,
		"This block extends the collected material on %s for %s with a structured %s view. "+
			"It is generated from the research brief rather than retrieved from a provider, and downstream "+
			"consumers weight it accordingly.\n\n",
		brief.Product, brief.Audience, kind)

	for i := range angles {
		angle := angles[(i+n)%len(angles)]
		fmt.Fprintf(&sb,
			"%d. Considering %s, the %s segment shows interactions between %s positioning and what %s respond to. "+
				"Observed material in this corpus should be read against %s when weighing %s.\n",
			i+1, angle, brief.Segment, brief.Product, brief.Audience, angle, brief.Objective)
	}

	fmt.Fprintf(&sb,
		"\nIn the context of the stated objective, %q, the %s angle above frames how %s relates to %s demand. "+
			"Cross-reference retrieved sources before relying on any single line of this block.\n",
		brief.Objective, kind, brief.Product, brief.Segment)

	return sb.String()
}

// titleKind uppercases the first letter of an ASCII kind name.
func titleKind(kind string) string {
	if kind == "" {
		return kind
	}
	return strings.ToUpper(kind[:1]) + kind[1:]
}
