// Package stitcher assembles completed segments into a single output
// media file via the Transcoder port, retrying the whole assembly call
// once on failure.
package stitcher

import (
	"context"
	"fmt"
	"sort"

	"github.com/reclip/recap-engine/internal/domain"
)

// Stitcher builds an AssemblyPlan from ordered segments and hands it to
// a Transcoder.
type Stitcher struct {
	transcoder domain.Transcoder
}

// New constructs a Stitcher.
func New(transcoder domain.Transcoder) *Stitcher {
	return &Stitcher{transcoder: transcoder}
}

// Stitch orders segments by index, builds an AssemblyPlan, and calls the
// Transcoder, retrying exactly once on any failure before giving up.
func (s *Stitcher) Stitch(ctx context.Context, jobID string, segments []domain.Segment) (outputHandle string, outputDurationSeconds float64, err error) {
	ordered := make([]domain.Segment, len(segments))
	copy(ordered, segments)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	plan := domain.AssemblyPlan{JobID: jobID}
	for _, seg := range ordered {
		if seg.Status != domain.SegmentDone {
			continue
		}
		plan.Items = append(plan.Items, domain.AssemblyItem{
			SourceStart: seg.Start,
			SourceEnd:   seg.End,
			AudioHandle: seg.AudioHandle,
			SpeedFactor: seg.SpeedFactor,
		})
	}
	if len(plan.Items) == 0 {
		return "", 0, fmt.Errorf("op=stitcher.stitch: %w: no completed segments", domain.ErrStitcherFailed)
	}

	handle, duration, firstErr := s.transcoder.Stitch(ctx, plan)
	if firstErr == nil {
		return handle, duration, nil
	}

	handle, duration, secondErr := s.transcoder.Stitch(ctx, plan)
	if secondErr == nil {
		return handle, duration, nil
	}
	return "", 0, fmt.Errorf("op=stitcher.stitch: %w: %v", domain.ErrStitcherFailed, secondErr)
}
