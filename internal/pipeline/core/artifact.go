package core

import (
	"time"

	"github.com/jmylchreest/marketpipe/internal/models"
)

// ArtifactName identifies a durable output recorded in the artifact store.
type ArtifactName string

const (
	// ArtifactCorpus is the combined collection output of Stage 1.
	ArtifactCorpus ArtifactName = "massive_corpus"

	// ArtifactExpertise is the accumulated study output of Stage 2.
	ArtifactExpertise ArtifactName = "expertise"

	// ArtifactReport is the compiled markdown report of Stage 3.
	ArtifactReport ArtifactName = "final_report"
)

// Artifact records one durable output a pipeline stage produced. Stages
// register artifacts on the shared State so a run result can summarize
// outputs without re-reading the store.
type Artifact struct {
	// ID is a unique identifier for this artifact record.
	ID models.ULID

	// Name identifies the artifact.
	Name ArtifactName

	// Path is the artifact-root relative path of the file, when tracked.
	Path string

	// CreatedBy is the stage ID that produced this artifact.
	CreatedBy string

	// ItemCount is the number of records in the artifact.
	ItemCount int

	// Size is the payload size in bytes, when known.
	Size int64

	// CreatedAt is when the artifact was recorded.
	CreatedAt time.Time
}

// NewArtifact creates an artifact record for the given name and producer.
func NewArtifact(name ArtifactName, createdBy string) Artifact {
	return Artifact{
		ID:        models.NewULID(),
		Name:      name,
		CreatedBy: createdBy,
		CreatedAt: time.Now(),
	}
}

// WithPath sets the artifact-root relative path of the file.
func (a Artifact) WithPath(path string) Artifact {
	a.Path = path
	return a
}

// WithItemCount sets the record count.
func (a Artifact) WithItemCount(count int) Artifact {
	a.ItemCount = count
	return a
}

// WithSize sets the payload size in bytes.
func (a Artifact) WithSize(size int64) Artifact {
	a.Size = size
	return a
}
