// Package workerpool implements the Segment Worker Pool: P parallel
// goroutines driving each planned segment through
// Describe -> Synthesize -> Align, publishing progress as they go.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/reclip/recap-engine/internal/adapter/observability"
	"github.com/reclip/recap-engine/internal/domain"
	"github.com/reclip/recap-engine/internal/service/progressbus"
	"github.com/reclip/recap-engine/pkg/tokencount"
)

// SpeedFactor bounds how much a narration track can be time-stretched
// to fit its source interval.
const (
	minSpeedFactor = 0.5
	maxSpeedFactor = 2.0
)

// Config tunes the pool's behavior.
type Config struct {
	Concurrency      int
	DescribeMaxWords int
	DescribeMaxTokens int
	// FailureTolerance is the number of segment failures a job accepts
	// before the whole SegmentProcessing stage is aborted.
	FailureTolerance int
}

// DefaultConfig mirrors the process-wide defaults.
func DefaultConfig() Config {
	return Config{Concurrency: 4, DescribeMaxWords: 120, DescribeMaxTokens: 256, FailureTolerance: 1}
}

// Pool drives segments through the describe/synthesize/align pipeline.
type Pool struct {
	describer  domain.VisualDescriber
	synth      domain.Synthesizer
	bus        *progressbus.Bus
	store      domain.JobStore
	cfg        Config
}

// New constructs a Pool.
func New(describer domain.VisualDescriber, synth domain.Synthesizer, bus *progressbus.Bus, store domain.JobStore, cfg Config) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	observability.UpdateBaselineScore("segment_speed_factor", "tts", "default", 1.0)
	return &Pool{describer: describer, synth: synth, bus: bus, store: store, cfg: cfg}
}

// Result is the outcome of driving a job's planned segments.
type Result struct {
	Completed int
	Failed    int
	Segments  []domain.Segment
}

// Run drives every planned segment of jobID to completion or failure,
// stopping early and cancelling in-flight work once failures exceed the
// pool's FailureTolerance. It reports progress on the Progress Bus using
// the segment-processing stage's budget [progressFrom, progressTo].
func (p *Pool) Run(ctx context.Context, job domain.Job, segments []domain.Segment, sourceBlob string, progressFrom, progressTo int) (Result, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var completed int64
	var failed int64
	total := int64(len(segments))

	results := make([]domain.Segment, len(segments))
	copy(results, segments)

	work := make(chan int, len(segments))
	for i := range segments {
		work <- i
	}
	close(work)

	var mu sync.Mutex
	var firstErr error
	var wg sync.WaitGroup
	for w := 0; w < p.cfg.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range work {
				select {
				case <-runCtx.Done():
					return
				default:
				}

				seg := results[idx]
				done, procErr := p.processSegment(runCtx, sourceBlob, seg)

				mu.Lock()
				results[idx] = done
				if procErr != nil && firstErr == nil {
					firstErr = procErr
				}
				mu.Unlock()

				if p.store != nil {
					_ = p.store.UpdateSegment(ctx, done)
				}

				if procErr != nil {
					newFailed := atomic.AddInt64(&failed, 1)
					if int(newFailed) > p.cfg.FailureTolerance {
						cancel()
					}
				} else {
					atomic.AddInt64(&completed, 1)
				}

				c := atomic.LoadInt64(&completed)
				f := atomic.LoadInt64(&failed)
				if p.bus != nil {
					p.bus.Publish(job.ID, domain.ProgressEvent{
						Stage:       domain.StageSegmentProcessing,
						Progress:    segmentProgress(progressFrom, progressTo, int(c+f), int(total)),
						CurrentStep: fmt.Sprintf("segment %d/%d", c+f, total),
						Completed:   int(c),
						Planned:     int(total),
					})
				}
			}
		}()
	}
	wg.Wait()

	finalFailed := int(atomic.LoadInt64(&failed))
	finalCompleted := int(atomic.LoadInt64(&completed))
	result := Result{Completed: finalCompleted, Failed: finalFailed, Segments: results}

	if finalFailed > p.cfg.FailureTolerance {
		return result, fmt.Errorf("op=workerpool.run: %d of %d segments failed: %w", finalFailed, total, firstErr)
	}
	return result, nil
}

func segmentProgress(from, to, done, total int) int {
	if total == 0 {
		return from
	}
	span := to - from
	p := from + (span*done)/total
	if p > to {
		p = to
	}
	return p
}

// processSegment drives one segment through Describe -> Synthesize ->
// Align. Align computes the speed factor needed to fit the synthesized
// narration into the segment's source interval, clamped to
// [minSpeedFactor, maxSpeedFactor]; a narration that cannot be clamped
// into range is left at the boundary value rather than failing the
// segment; the Stitcher's transcoder call performs the actual stretch.
func (p *Pool) processSegment(ctx context.Context, sourceBlob string, seg domain.Segment) (domain.Segment, error) {
	seg.Status = domain.SegmentDescribing
	narration, err := p.describer.Describe(ctx, sourceBlob, seg.Start, seg.End, p.cfg.DescribeMaxWords)
	if err != nil {
		return p.fail(seg, "describe_failed", err), err
	}
	narration = tokencount.ClampWords(narration, p.cfg.DescribeMaxWords)
	narration = tokencount.Default.Clamp(narration, p.cfg.DescribeMaxTokens)
	seg.NarrationText = narration
	observability.RecordAITokenUsage("visual", "narration", "default", tokencount.Default.Count(narration))

	seg.Status = domain.SegmentSynthesizing
	audioHandle, audioDuration, err := p.synth.Synthesize(ctx, narration)
	if err != nil {
		return p.fail(seg, "synthesize_failed", err), err
	}
	seg.AudioHandle = audioHandle

	seg.Status = domain.SegmentAligning
	seg.SpeedFactor = alignSpeedFactor(audioDuration, seg.End-seg.Start)
	observability.RecordSegmentSpeedFactor(seg.SpeedFactor)
	observability.RecordScoreDriftValue("segment_speed_factor", "tts", "default", seg.SpeedFactor)

	seg.Status = domain.SegmentDone
	seg.Error = nil
	return seg, nil
}

func alignSpeedFactor(audioDuration, sourceDuration float64) float64 {
	if audioDuration <= 0 || sourceDuration <= 0 {
		return 1
	}
	factor := audioDuration / sourceDuration
	if factor < minSpeedFactor {
		return minSpeedFactor
	}
	if factor > maxSpeedFactor {
		return maxSpeedFactor
	}
	return factor
}

func (p *Pool) fail(seg domain.Segment, kind string, err error) domain.Segment {
	seg.Status = domain.SegmentFailed
	seg.Error = &domain.TerminalError{Kind: kind, HumanMessage: err.Error(), Retriable: true}
	return seg
}
