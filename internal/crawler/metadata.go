package crawler

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CrawlKind distinguishes link-discovery work from content extraction.
type CrawlKind string

// Crawl kinds recorded in job metadata.
const (
	KindDiscovery CrawlKind = "discovery"
	KindContent   CrawlKind = "content"
)

// Frequency names a scheduling cadence for a source.
type Frequency string

// Supported cadences.
const (
	FrequencyImmediate Frequency = "immediate"
	FrequencyHourly    Frequency = "hourly"
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
	FrequencyMonthly   Frequency = "monthly"
)

// ParseFrequency validates a cadence name.
func ParseFrequency(raw string) (Frequency, error) {
	switch f := Frequency(raw); f {
	case FrequencyImmediate, FrequencyHourly, FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return f, nil
	default:
		return "", fmt.Errorf("%w: frequency %q", ErrInvalidArgument, raw)
	}
}

// Metadata is the closed set of annotations a job may carry.
// Unknown keys are rejected when decoding.
type Metadata struct {
	Discovered        bool      `json:"discovered,omitempty"`
	DiscoveredFrom    string    `json:"discovered_from,omitempty"`
	CrawlType         CrawlKind `json:"crawl_type,omitempty"`
	Frequency         Frequency `json:"frequency,omitempty"`
	URLsDiscovered    int       `json:"urls_discovered,omitempty"`
	URLsEnqueued      int       `json:"urls_enqueued,omitempty"`
	ArticlesExtracted int       `json:"articles_extracted,omitempty"`
	ArticleID         string    `json:"article_id,omitempty"`
	ExtractionMethod  string    `json:"extraction_method,omitempty"`
	Title             string    `json:"title,omitempty"`
	ContentLength     int       `json:"content_length,omitempty"`
	BlobURI           string    `json:"blob_uri,omitempty"`
	Duplicate         bool      `json:"duplicate,omitempty"`
}

// Merge returns m with every non-zero field of patch applied on top.
func (m Metadata) Merge(patch Metadata) Metadata {
	out := m
	if patch.Discovered {
		out.Discovered = true
	}
	if patch.DiscoveredFrom != "" {
		out.DiscoveredFrom = patch.DiscoveredFrom
	}
	if patch.CrawlType != "" {
		out.CrawlType = patch.CrawlType
	}
	if patch.Frequency != "" {
		out.Frequency = patch.Frequency
	}
	if patch.URLsDiscovered != 0 {
		out.URLsDiscovered = patch.URLsDiscovered
	}
	if patch.URLsEnqueued != 0 {
		out.URLsEnqueued = patch.URLsEnqueued
	}
	if patch.ArticlesExtracted != 0 {
		out.ArticlesExtracted = patch.ArticlesExtracted
	}
	if patch.ArticleID != "" {
		out.ArticleID = patch.ArticleID
	}
	if patch.ExtractionMethod != "" {
		out.ExtractionMethod = patch.ExtractionMethod
	}
	if patch.Title != "" {
		out.Title = patch.Title
	}
	if patch.ContentLength != 0 {
		out.ContentLength = patch.ContentLength
	}
	if patch.BlobURI != "" {
		out.BlobURI = patch.BlobURI
	}
	if patch.Duplicate {
		out.Duplicate = true
	}
	return out
}

// Validate checks value ranges and that discovery jobs carry no content-only fields.
func (m Metadata) Validate() error {
	switch m.CrawlType {
	case "", KindDiscovery, KindContent:
	default:
		return fmt.Errorf("%w: crawl_type %q", ErrInvalidMetadata, m.CrawlType)
	}
	if m.Frequency != "" {
		if _, err := ParseFrequency(string(m.Frequency)); err != nil {
			return fmt.Errorf("%w: frequency %q", ErrInvalidMetadata, m.Frequency)
		}
	}
	if m.URLsDiscovered < 0 || m.URLsEnqueued < 0 || m.ArticlesExtracted < 0 || m.ContentLength < 0 {
		return fmt.Errorf("%w: negative counter", ErrInvalidMetadata)
	}
	if m.URLsEnqueued > m.URLsDiscovered {
		return fmt.Errorf("%w: urls_enqueued exceeds urls_discovered", ErrInvalidMetadata)
	}
	if m.CrawlType == KindDiscovery && m.hasContentFields() {
		return fmt.Errorf("%w: content fields on a discovery job", ErrInvalidMetadata)
	}
	return nil
}

func (m Metadata) hasContentFields() bool {
	return m.ArticlesExtracted != 0 || m.ArticleID != "" || m.ExtractionMethod != "" ||
		m.Title != "" || m.ContentLength != 0 || m.BlobURI != ""
}

// DecodeMetadata parses stored metadata, rejecting keys outside the closed set.
func DecodeMetadata(data []byte) (Metadata, error) {
	var m Metadata
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return m, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	return m, nil
}
