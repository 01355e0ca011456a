// Package detector implements the Season Detector (C4): it consumes stored
// fingerprints for a season, clusters them by time, labels intro/credits/
// stingers, computes a confidence score, and applies the preservation
// policy that protects a strong existing result from being overwritten by a
// weaker new one.
//
// The clustering/merge step is modeled on antserver/internal/commercial's
// interval-merge logic (MergeMarkers): both coalesce a time-sorted sequence
// of candidate intervals by proximity, and both use a two-tier confidence
// banding (AutoSkipThreshold/PromptThreshold there, minConfidenceThreshold
// here) to decide whether a result can be trusted without a human.
package detector

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"cliprr/internal/domain"
)

// Options mirrors spec.md §4.4's tunables; zero values fall back to defaults.
type Options struct {
	ThresholdPercent   float64
	TimeThresholdSec   float64
	MarginSec          float64
	WindowSec          float64
	MinEpisodeCoverage float64
}

func (o Options) withDefaults() Options {
	if o.ThresholdPercent <= 0 {
		o.ThresholdPercent = 0.5
	}
	if o.TimeThresholdSec <= 0 {
		o.TimeThresholdSec = 15
	}
	if o.MarginSec <= 0 {
		o.MarginSec = 5
	}
	if o.WindowSec <= 0 {
		o.WindowSec = 10
	}
	if o.MinEpisodeCoverage <= 0 {
		o.MinEpisodeCoverage = 0.7
	}
	return o
}

// FingerprintSource reads fingerprint rows, abstracted so the detector does
// not depend on database/sql directly (mirrors ComskipRunner's abstraction
// of the analysis backend).
type FingerprintSource interface {
	GetSeasonFingerprints(ctx context.Context, showID int64, season int, includeInvalid bool) ([]*domain.EpisodeFingerprint, error)
	GetPreviousSeasonFingerprints(ctx context.Context, showID int64, upToSeason, limitSeasons int) ([]*domain.EpisodeFingerprint, error)
	GetLatestDetectionResult(ctx context.Context, showID int64, season, episode int) (*domain.DetectionResult, error)
	PutDetectionResult(ctx context.Context, row *domain.DetectionResult) error
}

// JobUpdater applies the per-episode ProcessingJob updates in step 11.
type JobUpdater interface {
	UpdateFromDetection(ctx context.Context, episodeFileID int64, result *domain.DetectionResult, autoApproved bool) error
}

// SettingsReader exposes the two Settings keys the approval step consults.
type SettingsReader interface {
	MinConfidenceThreshold() (float64, error)
	AutoProcessDetections() (bool, error)
}

type Detector struct {
	store    FingerprintSource
	jobs     JobUpdater
	settings SettingsReader
	logger   *logrus.Logger
}

func New(store FingerprintSource, jobs JobUpdater, settings SettingsReader, logger *logrus.Logger) *Detector {
	return &Detector{store: store, jobs: jobs, settings: settings, logger: logger}
}

type occurrence struct {
	fingerprint   string
	episodeFileID int64
	offset        float64
}

// Run executes the full algorithm in spec.md §4.4 for one season and
// persists one DetectionResult per current-season episode.
func (d *Detector) Run(ctx context.Context, showID, season int64, opts Options) (*domain.DetectionResult, error) {
	opts = opts.withDefaults()

	current, err := d.store.GetSeasonFingerprints(ctx, showID, int(season), false)
	if err != nil {
		return nil, fmt.Errorf("detector: load season fingerprints: %w", err)
	}

	method := domain.MethodCurrentSeason
	fps := current
	if countDistinctEpisodes(current) < 3 {
		prev, err := d.store.GetPreviousSeasonFingerprints(ctx, showID, int(season), 3)
		if err != nil {
			return nil, fmt.Errorf("detector: load previous season fingerprints: %w", err)
		}
		fps = append(append([]*domain.EpisodeFingerprint{}, current...), prev...)
		method = domain.MethodCrossSeason
	}

	if len(fps) == 0 {
		return &domain.DetectionResult{ShowID: showID, SeasonNumber: int(season), ConfidenceScore: 0, Method: domain.MethodNone, Approval: domain.ApprovalPending}, nil
	}

	totalEpisodes := countDistinctEpisodes(fps)

	fingerprintMap := map[string][]occurrence{}
	durationByEpisode := map[int64]float64{}
	for _, fp := range fps {
		durationByEpisode[fp.EpisodeFileID] = fp.FileDuration
		for _, entry := range fp.Fingerprints {
			fingerprintMap[entry.Fingerprint] = append(fingerprintMap[entry.Fingerprint], occurrence{
				fingerprint:   entry.Fingerprint,
				episodeFileID: fp.EpisodeFileID,
				offset:        entry.OffsetSeconds,
			})
		}
	}

	// Common fingerprint selection: retain fingerprints whose distinct
	// episode occurrence count meets the threshold.
	minEpisodes := int(math.Ceil(float64(totalEpisodes) * opts.ThresholdPercent))
	var retained []occurrence
	for _, occs := range fingerprintMap {
		distinct := map[int64]bool{}
		for _, o := range occs {
			distinct[o.episodeFileID] = true
		}
		if len(distinct) >= minEpisodes {
			retained = append(retained, occs...)
		}
	}

	sort.Slice(retained, func(i, j int) bool {
		if retained[i].offset != retained[j].offset {
			return retained[i].offset < retained[j].offset
		}
		return retained[i].episodeFileID < retained[j].episodeFileID
	})

	clusters := clusterByTime(retained, opts.TimeThresholdSec)

	maxDuration := 0.0
	for _, dur := range durationByEpisode {
		if dur > maxDuration {
			maxDuration = dur
		}
	}

	segments := make([]domain.Cluster, 0, len(clusters))
	for _, cl := range clusters {
		segments = append(segments, computeSegment(cl, opts.MarginSec, opts.WindowSec, maxDuration))
	}

	minCoverage := int(math.Ceil(float64(totalEpisodes) * opts.MinEpisodeCoverage))
	var kept []domain.Cluster
	for _, seg := range segments {
		if seg.EpisodeCount >= minCoverage {
			kept = append(kept, seg)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })

	intro, credits, stingers := label(kept, maxDuration)

	confidence := computeConfidence(kept, totalEpisodes)

	result := &domain.DetectionResult{
		ShowID:          showID,
		SeasonNumber:    int(season),
		Intro:           intro,
		Credits:         credits,
		Stingers:        stingers,
		Segments:        kept,
		ConfidenceScore: confidence,
		Method:          method,
		Approval:        domain.ApprovalPending,
	}

	minThreshold, err := d.settings.MinConfidenceThreshold()
	if err != nil {
		return nil, fmt.Errorf("detector: read min_confidence_threshold: %w", err)
	}
	autoProcess, err := d.settings.AutoProcessDetections()
	if err != nil {
		return nil, fmt.Errorf("detector: read auto_process_detections: %w", err)
	}
	autoApproved := confidence >= minThreshold && autoProcess
	if autoApproved {
		result.Approval = domain.ApprovalAutoApproved
	}

	// Write one result per episode in the current (not pulled-in) season.
	for _, fp := range current {
		episodeResult := *result
		episodeResult.EpisodeNumber = fp.EpisodeNumber
		episodeResult.EpisodeFileID = fp.EpisodeFileID

		existing, err := d.store.GetLatestDetectionResult(ctx, showID, int(season), fp.EpisodeNumber)
		final := &episodeResult
		if err == nil && preserveExisting(existing, &episodeResult) {
			final = existing
			d.logger.WithFields(logrus.Fields{"show_id": showID, "season": season, "episode": fp.EpisodeNumber}).
				Info("detector: preserving existing detection result")
		}

		if err := d.store.PutDetectionResult(ctx, final); err != nil {
			return nil, fmt.Errorf("detector: put detection result for episode %d: %w", fp.EpisodeNumber, err)
		}
		if d.jobs != nil {
			if err := d.jobs.UpdateFromDetection(ctx, fp.EpisodeFileID, final, final.Approval == domain.ApprovalAutoApproved); err != nil {
				return nil, fmt.Errorf("detector: update job for episode file %d: %w", fp.EpisodeFileID, err)
			}
		}
	}

	return result, nil
}

func countDistinctEpisodes(fps []*domain.EpisodeFingerprint) int {
	seen := map[int64]bool{}
	for _, fp := range fps {
		seen[fp.EpisodeFileID] = true
	}
	return len(seen)
}

// clusterByTime greedily clusters time-sorted occurrences: an entry joins
// the current cluster iff its offset is within timeThresholdSec of the last
// offset seen in that cluster.
func clusterByTime(sorted []occurrence, timeThresholdSec float64) [][]occurrence {
	if len(sorted) == 0 {
		return nil
	}
	var clusters [][]occurrence
	current := []occurrence{sorted[0]}
	lastOffset := sorted[0].offset
	for _, o := range sorted[1:] {
		if math.Abs(o.offset-lastOffset) <= timeThresholdSec {
			current = append(current, o)
		} else {
			clusters = append(clusters, current)
			current = []occurrence{o}
		}
		lastOffset = o.offset
	}
	clusters = append(clusters, current)
	return clusters
}

func computeSegment(cluster []occurrence, marginSec, windowSec, fileDuration float64) domain.Cluster {
	minOffset, maxOffset := math.Inf(1), math.Inf(-1)
	offsets := make([]float64, 0, len(cluster))
	distinct := map[int64]bool{}
	for _, o := range cluster {
		if o.offset < minOffset {
			minOffset = o.offset
		}
		if o.offset > maxOffset {
			maxOffset = o.offset
		}
		offsets = append(offsets, o.offset)
		distinct[o.episodeFileID] = true
	}

	start := math.Max(0, minOffset-marginSec)
	end := maxOffset + marginSec + windowSec
	if fileDuration > 0 && end > fileDuration {
		end = fileDuration
	}

	return domain.Cluster{
		Start:        start,
		End:          end,
		MedianTime:   median(offsets),
		EpisodeCount: len(distinct),
	}
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64{}, values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// label assigns intro/credits/stingers per spec.md §4.4 step 7.
func label(kept []domain.Cluster, fileDuration float64) (intro, credits *domain.Interval, stingers []domain.Interval) {
	switch len(kept) {
	case 0:
		return nil, nil, nil
	case 1:
		c := kept[0]
		iv := &domain.Interval{Start: c.Start, End: c.End}
		if fileDuration > 0 && c.MedianTime < 0.10*fileDuration {
			return iv, nil, nil
		}
		if fileDuration > 0 && c.MedianTime > 0.80*fileDuration {
			return nil, iv, nil
		}
		return iv, nil, nil
	default:
		intro = &domain.Interval{Start: kept[0].Start, End: kept[0].End}
		last := kept[len(kept)-1]
		credits = &domain.Interval{Start: last.Start, End: last.End}
		for _, mid := range kept[1 : len(kept)-1] {
			stingers = append(stingers, domain.Interval{Start: mid.Start, End: mid.End})
		}
		return intro, credits, stingers
	}
}

// computeConfidence implements spec.md §4.4 step 8.
func computeConfidence(kept []domain.Cluster, totalEpisodes int) float64 {
	if len(kept) == 0 || totalEpisodes == 0 {
		return 0
	}
	sumCoverage := 0
	for _, c := range kept {
		sumCoverage += c.EpisodeCount
	}
	coverage := float64(sumCoverage) / float64(len(kept)*totalEpisodes)
	segmentBonus := math.Min(0.1*float64(len(kept)), 0.2)
	episodeBonus := math.Min(float64(totalEpisodes)/10, 0.2)
	confidence := coverage*0.6 + segmentBonus + episodeBonus
	confidence = math.Max(0, math.Min(1, confidence))
	return math.Round(confidence*100) / 100
}

// preserveExisting implements the preservation policy in spec.md §4.4 step 9.
func preserveExisting(existing, candidate *domain.DetectionResult) bool {
	if existing == nil {
		return false
	}
	if existing.ConfidenceScore > 0.8 && candidate.ConfidenceScore < 0.3 {
		return true
	}
	existingHasDetection := existing.Intro != nil || existing.Credits != nil || len(existing.Stingers) > 0
	candidateHasDetection := candidate.Intro != nil || candidate.Credits != nil || len(candidate.Stingers) > 0
	if existingHasDetection && !candidateHasDetection {
		return true
	}
	if candidate.ConfidenceScore-existing.ConfidenceScore <= 0.2 {
		return true
	}
	return false
}
