package corpus

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Segment is one annotated time interval.
type Segment struct {
	Start    float64 // seconds
	End      float64 // seconds
	Positive bool
}

// Aligner turns interval annotations into one label per frame timestamp.
type Aligner interface {
	Align(segments []Segment, timestamps []float64) []bool
}

// IntervalAligner marks every frame whose timestamp falls in
// [Start, End) of a segment with that segment's flag. Later segments
// override earlier ones; frames outside all segments are negative.
type IntervalAligner struct{}

// Align implements Aligner. timestamps must be sorted.
func (IntervalAligner) Align(segments []Segment, timestamps []float64) []bool {
	labels := make([]bool, len(timestamps))
	for _, seg := range segments {
		from := sort.SearchFloat64s(timestamps, seg.Start)
		to := sort.SearchFloat64s(timestamps, seg.End)
		for i := from; i < to; i++ {
			labels[i] = seg.Positive
		}
	}
	return labels
}

// FrameTimes returns the timestamps of n frames at fps frames per second.
func FrameTimes(n, fps int) []float64 {
	ts := make([]float64, n)
	for i := range ts {
		ts[i] = float64(i) / float64(fps)
	}
	return ts
}

// ReadSegments parses "start end label" lines. A segment is positive when
// its label equals positive. Blank lines are skipped.
func ReadSegments(r io.Reader, positive string) ([]Segment, error) {
	var segs []Segment
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}

		fields := strings.Fields(text)
		if len(fields) != 3 {
			return nil, fmt.Errorf("line %d: expected 3 fields, got %d", line, len(fields))
		}
		start, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid start: %w", line, err)
		}
		end, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid end: %w", line, err)
		}
		segs = append(segs, Segment{Start: start, End: end, Positive: fields[2] == positive})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return segs, nil
}

// ReadLabelFile reads the segments of a .lab file.
func ReadLabelFile(path, positive string) ([]Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open label file: %w", err)
	}
	defer f.Close() //nolint:errcheck

	segs, err := ReadSegments(f, positive)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return segs, nil
}
