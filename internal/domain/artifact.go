package domain

type RenditionStatus string

const (
	RenditionPending   RenditionStatus = "pending"
	RenditionRunning   RenditionStatus = "running"
	RenditionSucceeded RenditionStatus = "succeeded"
	RenditionFailed    RenditionStatus = "failed"
)

type PublishStatus string

const (
	PublishPending   PublishStatus = ""
	PublishPublished PublishStatus = "published"
	PublishFailed    PublishStatus = "publish_failed"
	// PublishDiscarded marks artifacts that were never eligible for upload
	// (failed renditions, failed thumbnails).
	PublishDiscarded PublishStatus = "discarded"
)

// PublishRecord is what the artifact store confirmed for one artifact.
type PublishRecord struct {
	Status    PublishStatus `json:"status,omitempty"`
	Key       string        `json:"key,omitempty"`
	SizeBytes int64         `json:"size_bytes,omitempty"`
	Digest    string        `json:"digest,omitempty"`
	Attempts  int           `json:"attempts,omitempty"`
	Error     string        `json:"error,omitempty"`
}

func (r PublishRecord) Published() bool { return r.Status == PublishPublished }

// Settled reports whether nothing further will happen to the artifact's
// local files: it was uploaded, permanently failed, or discarded.
func (r PublishRecord) Settled() bool {
	return r.Status == PublishPublished || r.Status == PublishFailed || r.Status == PublishDiscarded
}

// Segment is one media segment of a rendition, as written by the encoder.
type Segment struct {
	Name      string  `json:"name"`
	Duration  float64 `json:"duration"`
	SizeBytes int64   `json:"size_bytes"`
	Path      string  `json:"-"`
}

type RenditionArtifact struct {
	JobID            string          `json:"job_id"`
	Quality          QualityTarget   `json:"quality"`
	Status           RenditionStatus `json:"status"`
	StorageKey       string          `json:"storage_key,omitempty"`
	SizeBytes        int64           `json:"size_bytes"`
	EncodeDurationMs int64           `json:"encode_duration_ms"`
	AttemptCount     int             `json:"attempt_count"`
	Segments         []Segment       `json:"segments,omitempty"`
	ErrorKind        ErrorKind       `json:"error_kind,omitempty"`
	Error            string          `json:"error,omitempty"`
	Publish          PublishRecord   `json:"publish"`
	OutputDir        string          `json:"-"`
}

func (r RenditionArtifact) Succeeded() bool { return r.Status == RenditionSucceeded }

// MaxSegmentDuration is the longest segment in seconds.
func (r RenditionArtifact) MaxSegmentDuration() float64 {
	var longest float64
	for _, s := range r.Segments {
		if s.Duration > longest {
			longest = s.Duration
		}
	}
	return longest
}

type ThumbnailArtifact struct {
	JobID             string        `json:"job_id"`
	TimestampFraction float64       `json:"timestamp_fraction"`
	OffsetMs          int64         `json:"offset_ms"`
	StorageKey        string        `json:"storage_key,omitempty"`
	SizeBytes         int64         `json:"size_bytes"`
	Error             string        `json:"error,omitempty"`
	Publish           PublishRecord `json:"publish"`
	LocalPath         string        `json:"-"`
}

func (t ThumbnailArtifact) Succeeded() bool { return t.Error == "" && t.LocalPath != "" }

type ManifestKind string

const (
	ManifestMaster     ManifestKind = "master"
	ManifestPerQuality ManifestKind = "per-quality"
)

type Manifest struct {
	JobID      string        `json:"job_id"`
	Kind       ManifestKind  `json:"kind"`
	Quality    string        `json:"quality,omitempty"`
	Content    string        `json:"content"`
	StorageKey string        `json:"storage_key"`
	Publish    PublishRecord `json:"publish"`
}

// Outcome is the terminal result handed to the finalizer.
type Outcome struct {
	Status     JobState            `json:"status"`
	Reason     string              `json:"reason,omitempty"`
	Probe      *SourceProbe        `json:"probe,omitempty"`
	Renditions []RenditionArtifact `json:"renditions,omitempty"`
	Thumbnails []ThumbnailArtifact `json:"thumbnails,omitempty"`
	Manifests  []Manifest          `json:"manifests,omitempty"`
}

func (o *Outcome) Clone() *Outcome {
	if o == nil {
		return nil
	}
	c := *o
	if o.Probe != nil {
		p := *o.Probe
		c.Probe = &p
	}
	if o.Renditions != nil {
		c.Renditions = make([]RenditionArtifact, len(o.Renditions))
		for i, r := range o.Renditions {
			if r.Segments != nil {
				r.Segments = append([]Segment(nil), r.Segments...)
			}
			c.Renditions[i] = r
		}
	}
	if o.Thumbnails != nil {
		c.Thumbnails = append([]ThumbnailArtifact(nil), o.Thumbnails...)
	}
	if o.Manifests != nil {
		c.Manifests = append([]Manifest(nil), o.Manifests...)
	}
	return &c
}

// AvailableQualities lists the names of published renditions in ladder order.
func (o *Outcome) AvailableQualities() []string {
	if o == nil {
		return nil
	}
	var names []string
	for _, r := range o.Renditions {
		if r.Succeeded() && r.Publish.Published() {
			names = append(names, r.Quality.Name)
		}
	}
	return names
}

func (o *Outcome) Master() *Manifest {
	if o == nil {
		return nil
	}
	for i := range o.Manifests {
		if o.Manifests[i].Kind == ManifestMaster {
			return &o.Manifests[i]
		}
	}
	return nil
}

// AllSettled reports whether every artifact is either published or
// permanently discarded, the precondition for releasing scratch space.
func (o *Outcome) AllSettled() bool {
	if o == nil {
		return true
	}
	for _, r := range o.Renditions {
		if !r.Publish.Settled() {
			return false
		}
	}
	for _, t := range o.Thumbnails {
		if !t.Publish.Settled() {
			return false
		}
	}
	for _, m := range o.Manifests {
		if !m.Publish.Settled() {
			return false
		}
	}
	return true
}

// DiscardPending marks every artifact that never reached the store as
// discarded. Called once a job is terminal so nothing is left unsettled.
func (o *Outcome) DiscardPending() {
	if o == nil {
		return
	}
	for i := range o.Renditions {
		if o.Renditions[i].Publish.Status == PublishPending {
			o.Renditions[i].Publish.Status = PublishDiscarded
		}
	}
	for i := range o.Thumbnails {
		if o.Thumbnails[i].Publish.Status == PublishPending {
			o.Thumbnails[i].Publish.Status = PublishDiscarded
		}
	}
	for i := range o.Manifests {
		if o.Manifests[i].Publish.Status == PublishPending {
			o.Manifests[i].Publish.Status = PublishDiscarded
		}
	}
}
