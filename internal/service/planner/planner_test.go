package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/reclip/recap-engine/internal/domain"
	"github.com/reclip/recap-engine/internal/service/gate"
)

type fakeChapterService struct {
	chapters []domain.Chapter
	err      error
}

func (f *fakeChapterService) Chapters(_ context.Context, _ string) ([]domain.Chapter, error) {
	return f.chapters, f.err
}

func newTestPlanner(chapters []domain.Chapter, limits Limits) *Planner {
	g := gate.New(nil, nil)
	return New(g, &fakeChapterService{chapters: chapters}, nil, limits)
}

func TestPlanFromChaptersSubdividesLongChapter(t *testing.T) {
	p := newTestPlanner([]domain.Chapter{{Start: 0, End: 100, Importance: 1}}, Limits{
		MinSegmentSeconds:   2,
		MaxSegmentSeconds:   30,
		TargetOverrunFactor: 1.1,
		MaxSegments:         120,
	})

	segments, err := p.Plan(context.Background(), "job-1", "blob-1", 100, domain.JobConfig{})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(segments) < 4 {
		t.Fatalf("expected a 100s chapter with max 30s segments to subdivide into >=4 segments, got %d", len(segments))
	}
	for _, s := range segments {
		if dur := s.End - s.Start; dur > 30.0001 {
			t.Fatalf("segment duration %v exceeds MaxSegmentSeconds", dur)
		}
	}
}

func TestPlanFromChaptersFallsBackOnEmptyChapters(t *testing.T) {
	p := newTestPlanner(nil, DefaultLimits())
	segments, err := p.Plan(context.Background(), "job-1", "blob-1", 10, domain.JobConfig{})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(segments) == 0 {
		t.Fatal("expected a fallback single-chapter plan when the chapter service returns nothing")
	}
}

func TestPlanAssignsContiguousOrderedIndices(t *testing.T) {
	p := newTestPlanner([]domain.Chapter{
		{Start: 0, End: 10, Importance: 1},
		{Start: 10, End: 20, Importance: 1},
	}, DefaultLimits())

	segments, err := p.Plan(context.Background(), "job-1", "blob-1", 20, domain.JobConfig{})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	for i, s := range segments {
		if s.Index != i {
			t.Fatalf("segment %d has Index %d, want %d", i, s.Index, i)
		}
		if s.Fingerprint == "" {
			t.Fatalf("segment %d missing fingerprint", i)
		}
	}
}

func TestPlanFromScriptSplitsOnBlankLines(t *testing.T) {
	p := newTestPlanner(nil, DefaultLimits())
	cfg := domain.JobConfig{OverrideScript: "first paragraph text here\n\nsecond paragraph, longer text here\n\nthird"}
	segments, err := p.Plan(context.Background(), "job-1", "blob-1", 30, cfg)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(segments) != 3 {
		t.Fatalf("expected 3 segments (one per paragraph), got %d", len(segments))
	}
}

func TestPlanZeroDurationChaptersReturnPlanUnrealizable(t *testing.T) {
	p := newTestPlanner([]domain.Chapter{{Start: 5, End: 5, Importance: 1}}, DefaultLimits())
	_, err := p.Plan(context.Background(), "job-1", "blob-1", 0, domain.JobConfig{})
	if !errors.Is(err, domain.ErrPlanUnrealizable) {
		t.Fatalf("expected domain.ErrPlanUnrealizable, got %v", err)
	}
}

// TestPlanRejectsTargetLongerThanSource guards scenario S6: a target
// duration longer than the source itself can never be realized, and
// must fail with ErrPlanUnrealizable rather than silently returning
// whatever short plan the source can produce.
func TestPlanRejectsTargetLongerThanSource(t *testing.T) {
	p := newTestPlanner([]domain.Chapter{{Start: 0, End: 5, Importance: 1}}, DefaultLimits())
	cfg := domain.JobConfig{TargetDurationMinutes: 1}
	_, err := p.Plan(context.Background(), "job-1", "blob-1", 5, cfg)
	if !errors.Is(err, domain.ErrPlanUnrealizable) {
		t.Fatalf("expected domain.ErrPlanUnrealizable for a 1-minute target on a 5-second source, got %v", err)
	}
}

func TestPlanWhitespaceOnlyScriptFallsBackToChapters(t *testing.T) {
	p := newTestPlanner([]domain.Chapter{{Start: 0, End: 10, Importance: 1}}, DefaultLimits())
	cfg := domain.JobConfig{OverrideScript: "   \n\n   "}
	segments, err := p.Plan(context.Background(), "job-1", "blob-1", 10, cfg)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(segments) == 0 {
		t.Fatal("expected a whitespace-only override script to fall back to the chapter plan")
	}
}

func TestPlanRespectsMaxSegments(t *testing.T) {
	p := newTestPlanner([]domain.Chapter{{Start: 0, End: 300, Importance: 1}}, Limits{
		MinSegmentSeconds:   1,
		MaxSegmentSeconds:   10,
		TargetOverrunFactor: 1.1,
		MaxSegments:         5,
	})

	segments, err := p.Plan(context.Background(), "job-1", "blob-1", 300, domain.JobConfig{})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(segments) > 5 {
		t.Fatalf("expected at most 5 segments, got %d", len(segments))
	}
}

func TestSelectByTargetStopsNearTarget(t *testing.T) {
	candidates := []candidateSegment{
		{start: 0, end: 10, importance: 0.9},
		{start: 10, end: 20, importance: 0.8},
		{start: 20, end: 30, importance: 0.1},
	}
	selected := selectByTarget(candidates, 15, 1.1)
	var total float64
	for _, c := range selected {
		total += c.end - c.start
	}
	if len(selected) == 0 {
		t.Fatal("expected at least one selected candidate")
	}
	// The candidate that first brings the total to target*overrun
	// (15*1.1 = 16.5s) is kept; everything less important is dropped.
	if len(selected) != 2 || total != 20 {
		t.Fatalf("selected %d candidates totalling %v, want 2 totalling 20", len(selected), total)
	}
	for _, c := range selected {
		if c.importance == 0.1 {
			t.Fatal("expected the least important candidate to be dropped")
		}
	}
}

func TestSplitShortClipsBoundsFragmentDuration(t *testing.T) {
	candidates := []candidateSegment{{start: 0, end: 10}}
	out := splitShortClips(candidates, 3)
	for _, c := range out {
		if dur := c.end - c.start; dur > 3.0001 {
			t.Fatalf("fragment duration %v exceeds 3s cap", dur)
		}
	}
}

func TestSplitShortClipsNoopWhenUnderLimit(t *testing.T) {
	candidates := []candidateSegment{{start: 0, end: 2}}
	out := splitShortClips(candidates, 3)
	if len(out) != 1 || out[0].end != 2 {
		t.Fatalf("expected a single untouched candidate, got %+v", out)
	}
}
