package detector

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"

	"cliprr/internal/domain"
)

type fakeSource struct {
	season   []*domain.EpisodeFingerprint
	previous []*domain.EpisodeFingerprint
	existing map[int]*domain.DetectionResult
	put      []*domain.DetectionResult
}

func (f *fakeSource) GetSeasonFingerprints(ctx context.Context, showID int64, season int, includeInvalid bool) ([]*domain.EpisodeFingerprint, error) {
	return f.season, nil
}

func (f *fakeSource) GetPreviousSeasonFingerprints(ctx context.Context, showID int64, upToSeason, limitSeasons int) ([]*domain.EpisodeFingerprint, error) {
	return f.previous, nil
}

func (f *fakeSource) GetLatestDetectionResult(ctx context.Context, showID int64, season, episode int) (*domain.DetectionResult, error) {
	if f.existing == nil {
		return nil, errNotFound
	}
	r, ok := f.existing[episode]
	if !ok {
		return nil, errNotFound
	}
	return r, nil
}

func (f *fakeSource) PutDetectionResult(ctx context.Context, row *domain.DetectionResult) error {
	f.put = append(f.put, row)
	return nil
}

type fakeError struct{ msg string }

func (e fakeError) Error() string { return e.msg }

var errNotFound = fakeError{"not found"}

type fakeJobs struct {
	updates map[int64]bool
}

func (f *fakeJobs) UpdateFromDetection(ctx context.Context, episodeFileID int64, result *domain.DetectionResult, autoApproved bool) error {
	if f.updates == nil {
		f.updates = map[int64]bool{}
	}
	f.updates[episodeFileID] = autoApproved
	return nil
}

type fakeSettings struct {
	minConfidence float64
	autoProcess   bool
}

func (f *fakeSettings) MinConfidenceThreshold() (float64, error) { return f.minConfidence, nil }
func (f *fakeSettings) AutoProcessDetections() (bool, error)     { return f.autoProcess, nil }

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func fingerprintsAt(episodeFileID int64, episodeNumber int, offsets ...float64) *domain.EpisodeFingerprint {
	entries := make([]domain.FingerprintEntry, len(offsets))
	for i, o := range offsets {
		entries[i] = domain.FingerprintEntry{OffsetSeconds: o, Fingerprint: "shared-intro-fp"}
	}
	return &domain.EpisodeFingerprint{
		ShowID: 1, SeasonNumber: 1, EpisodeNumber: episodeNumber, EpisodeFileID: episodeFileID,
		Fingerprints: entries, FileDuration: 1320, FileSize: 1000,
	}
}

func TestDetector_Run_NoFingerprintsReturnsNoneMethod(t *testing.T) {
	src := &fakeSource{}
	jobs := &fakeJobs{}
	settings := &fakeSettings{minConfidence: 0.8, autoProcess: false}
	d := New(src, jobs, settings, newLogger())

	result, err := d.Run(context.Background(), 1, 1, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Method != domain.MethodNone {
		t.Errorf("expected method none, got %s", result.Method)
	}
}

func TestDetector_Run_CommonFingerprintAcrossEpisodesFormsIntro(t *testing.T) {
	src := &fakeSource{
		season: []*domain.EpisodeFingerprint{
			fingerprintsAt(1, 1, 10, 12, 14),
			fingerprintsAt(2, 2, 10, 12, 14),
			fingerprintsAt(3, 3, 10, 12, 14),
		},
	}
	jobs := &fakeJobs{}
	settings := &fakeSettings{minConfidence: 0.8, autoProcess: false}
	d := New(src, jobs, settings, newLogger())

	result, err := d.Run(context.Background(), 1, 1, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Method != domain.MethodCurrentSeason {
		t.Errorf("expected current_season method with 3 episodes, got %s", result.Method)
	}
	if len(src.put) != 3 {
		t.Fatalf("expected 3 persisted results (one per episode), got %d", len(src.put))
	}
	if src.put[0].Intro == nil {
		t.Error("expected an intro interval to be detected")
	}
}

func TestDetector_Run_FewerThanThreeEpisodesPullsInPreviousSeason(t *testing.T) {
	src := &fakeSource{
		season: []*domain.EpisodeFingerprint{
			fingerprintsAt(1, 1, 10, 12, 14),
		},
		previous: []*domain.EpisodeFingerprint{
			fingerprintsAt(100, 1, 10, 12, 14),
			fingerprintsAt(101, 2, 10, 12, 14),
		},
	}
	jobs := &fakeJobs{}
	settings := &fakeSettings{minConfidence: 0.8, autoProcess: false}
	d := New(src, jobs, settings, newLogger())

	result, err := d.Run(context.Background(), 1, 2, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Method != domain.MethodCrossSeason {
		t.Errorf("expected cross_season method, got %s", result.Method)
	}
}

func TestDetector_Run_AutoApprovesAboveThresholdWhenEnabled(t *testing.T) {
	src := &fakeSource{
		season: []*domain.EpisodeFingerprint{
			fingerprintsAt(1, 1, 10, 12, 14),
			fingerprintsAt(2, 2, 10, 12, 14),
			fingerprintsAt(3, 3, 10, 12, 14),
			fingerprintsAt(4, 4, 10, 12, 14),
		},
	}
	jobs := &fakeJobs{}
	settings := &fakeSettings{minConfidence: 0.0, autoProcess: true}
	d := New(src, jobs, settings, newLogger())

	_, err := d.Run(context.Background(), 1, 1, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for fileID, approved := range jobs.updates {
		if !approved {
			t.Errorf("expected episode file %d to be auto-approved with min_confidence_threshold=0", fileID)
		}
	}
	if len(jobs.updates) != 4 {
		t.Errorf("expected all 4 episodes updated, got %d", len(jobs.updates))
	}
}

func TestDetector_Run_NeverAutoApprovesWhenDisabled(t *testing.T) {
	src := &fakeSource{
		season: []*domain.EpisodeFingerprint{
			fingerprintsAt(1, 1, 10, 12, 14),
			fingerprintsAt(2, 2, 10, 12, 14),
			fingerprintsAt(3, 3, 10, 12, 14),
		},
	}
	jobs := &fakeJobs{}
	settings := &fakeSettings{minConfidence: 0.0, autoProcess: false}
	d := New(src, jobs, settings, newLogger())

	_, err := d.Run(context.Background(), 1, 1, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for fileID, approved := range jobs.updates {
		if approved {
			t.Errorf("expected episode file %d not to be auto-approved when auto_process_detections is false", fileID)
		}
	}
}

func TestPreserveExisting_KeepsStrongResultOverWeakCandidate(t *testing.T) {
	existing := &domain.DetectionResult{ConfidenceScore: 0.9, Intro: &domain.Interval{Start: 0, End: 90}}
	candidate := &domain.DetectionResult{ConfidenceScore: 0.2}
	if !preserveExisting(existing, candidate) {
		t.Error("expected strong existing result to be preserved over a weak candidate")
	}
}

func TestPreserveExisting_ReplacesWhenCandidateSignificantlyBetter(t *testing.T) {
	existing := &domain.DetectionResult{ConfidenceScore: 0.5, Intro: &domain.Interval{Start: 0, End: 90}}
	candidate := &domain.DetectionResult{ConfidenceScore: 0.95, Intro: &domain.Interval{Start: 0, End: 88}}
	if preserveExisting(existing, candidate) {
		t.Error("expected a significantly better candidate to replace the existing result")
	}
}

func TestPreserveExisting_NilExistingNeverPreserves(t *testing.T) {
	candidate := &domain.DetectionResult{ConfidenceScore: 0.1}
	if preserveExisting(nil, candidate) {
		t.Error("expected nil existing result never to be preserved")
	}
}

func TestComputeConfidence_EmptyClustersIsZero(t *testing.T) {
	if got := computeConfidence(nil, 5); got != 0 {
		t.Errorf("expected 0, got %f", got)
	}
}

func TestClusterByTime_GroupsNearbyOffsetsSeparately(t *testing.T) {
	occs := []occurrence{
		{offset: 10}, {offset: 12}, {offset: 500}, {offset: 502},
	}
	clusters := clusterByTime(occs, 15)
	if len(clusters) != 2 {
		t.Fatalf("expected 2 clusters, got %d", len(clusters))
	}
	if len(clusters[0]) != 2 || len(clusters[1]) != 2 {
		t.Errorf("expected 2+2 split, got %d+%d", len(clusters[0]), len(clusters[1]))
	}
}
