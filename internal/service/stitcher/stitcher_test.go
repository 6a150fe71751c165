package stitcher

import (
	"context"
	"errors"
	"testing"

	"github.com/reclip/recap-engine/internal/domain"
)

type fakeTranscoder struct {
	calls      int
	failFirst  bool
	failAlways bool
	gotPlan    domain.AssemblyPlan
}

func (f *fakeTranscoder) Stitch(_ context.Context, plan domain.AssemblyPlan) (string, float64, error) {
	f.calls++
	f.gotPlan = plan
	if f.failAlways {
		return "", 0, errors.New("transcoder unavailable")
	}
	if f.failFirst && f.calls == 1 {
		return "", 0, errors.New("transient failure")
	}
	return "output-handle", 42, nil
}

func doneSegment(idx int, start, end float64) domain.Segment {
	return domain.Segment{Index: idx, Start: start, End: end, Status: domain.SegmentDone, AudioHandle: "audio", SpeedFactor: 1}
}

func TestStitchOrdersSegmentsByIndex(t *testing.T) {
	tc := &fakeTranscoder{}
	s := New(tc)
	segs := []domain.Segment{
		doneSegment(2, 20, 30),
		doneSegment(0, 0, 10),
		doneSegment(1, 10, 20),
	}

	handle, duration, err := s.Stitch(context.Background(), "job-1", segs)
	if err != nil {
		t.Fatalf("Stitch() error = %v", err)
	}
	if handle != "output-handle" || duration != 42 {
		t.Fatalf("unexpected result: %s, %v", handle, duration)
	}
	for i, item := range tc.gotPlan.Items {
		if item.SourceStart != float64(i*10) {
			t.Fatalf("item %d out of order: %+v", i, tc.gotPlan.Items)
		}
	}
}

func TestStitchSkipsNonDoneSegments(t *testing.T) {
	tc := &fakeTranscoder{}
	s := New(tc)
	segs := []domain.Segment{
		doneSegment(0, 0, 10),
		{Index: 1, Start: 10, End: 20, Status: domain.SegmentFailed},
	}

	_, _, err := s.Stitch(context.Background(), "job-1", segs)
	if err != nil {
		t.Fatalf("Stitch() error = %v", err)
	}
	if len(tc.gotPlan.Items) != 1 {
		t.Fatalf("expected only the done segment in the plan, got %d items", len(tc.gotPlan.Items))
	}
}

func TestStitchFailsWhenNoSegmentsAreDone(t *testing.T) {
	tc := &fakeTranscoder{}
	s := New(tc)
	segs := []domain.Segment{{Index: 0, Start: 0, End: 10, Status: domain.SegmentFailed}}

	_, _, err := s.Stitch(context.Background(), "job-1", segs)
	if !errors.Is(err, domain.ErrStitcherFailed) {
		t.Fatalf("expected domain.ErrStitcherFailed, got %v", err)
	}
	if tc.calls != 0 {
		t.Fatalf("expected the transcoder never to be called, got %d calls", tc.calls)
	}
}

func TestStitchRetriesOnceAfterFailure(t *testing.T) {
	tc := &fakeTranscoder{failFirst: true}
	s := New(tc)
	segs := []domain.Segment{doneSegment(0, 0, 10)}

	handle, _, err := s.Stitch(context.Background(), "job-1", segs)
	if err != nil {
		t.Fatalf("Stitch() error = %v, want nil after the single retry succeeds", err)
	}
	if handle != "output-handle" {
		t.Fatalf("unexpected handle: %s", handle)
	}
	if tc.calls != 2 {
		t.Fatalf("expected exactly 2 transcoder calls (1 retry), got %d", tc.calls)
	}
}

func TestStitchGivesUpAfterOneRetry(t *testing.T) {
	tc := &fakeTranscoder{failAlways: true}
	s := New(tc)
	segs := []domain.Segment{doneSegment(0, 0, 10)}

	_, _, err := s.Stitch(context.Background(), "job-1", segs)
	if !errors.Is(err, domain.ErrStitcherFailed) {
		t.Fatalf("expected domain.ErrStitcherFailed after exhausting the retry, got %v", err)
	}
	if tc.calls != 2 {
		t.Fatalf("expected exactly 2 transcoder calls total, got %d", tc.calls)
	}
}
