// Package fingerprint computes deterministic segment fingerprints used
// for idempotent retry and crash recovery.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Segment derives a stable identity for a planned segment from the
// job id, its index, its time bounds, and the paragraph(s) of script
// text it covers. Two planning runs over the same source and script
// produce identical fingerprints for identical segments, which lets
// the worker pool and recovery sweep treat a fingerprint collision as
// "already done" rather than redoing external provider calls.
func Segment(jobID string, index int, start, end float64, scriptParagraphHash string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%.3f|%.3f|%s", jobID, index, start, end, scriptParagraphHash)
	return hex.EncodeToString(h.Sum(nil))
}

// Paragraph hashes a paragraph of script text for use as the
// scriptParagraphHash input to Segment.
func Paragraph(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
