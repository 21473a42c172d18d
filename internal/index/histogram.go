package index

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// MaxBins bounds the bucket count of one histogram regardless of caller
// configuration.
const MaxBins = 1 << 20

// checkCtxEvery is how many entries Histogram aggregates between context checks.
const checkCtxEvery = 4096

var (
	// ErrInvalidWindow is returned for bins outside [1, MaxBins] or begin >= end.
	ErrInvalidWindow = errors.New("invalid query window")

	// ErrUnknownMode is returned by ParseMode for an unrecognised name.
	ErrUnknownMode = errors.New("unknown histogram mode")
)

// Mode selects how a histogram bucket aggregates the intervals it overlaps.
type Mode int

const (
	// ModeUtilization sums overlap durations and divides by the bucket width.
	ModeUtilization Mode = iota
	// ModeCount counts the intervals overlapping each bucket.
	ModeCount
)

func (m Mode) String() string {
	switch m {
	case ModeUtilization:
		return "utilization"
	case ModeCount:
		return "count"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode maps a mode name onto a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "utilization":
		return ModeUtilization, nil
	case "count":
		return ModeCount, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// Histogram divides [begin, end) into bins equal-width buckets and aggregates
// the intervals of idx into them according to mode. Bucket k covers
// [begin+k*w, begin+(k+1)*w) and the last bucket is closed at end, so a
// zero-width interval at end lands in it. A zero-width interval counts in
// the bucket holding its timestamp and adds nothing to utilization.
//
// In count mode an interval adds one to every bucket it overlaps. In
// utilization mode it adds the overlap length divided by the bucket width;
// values exceed 1 when intervals on the index run concurrently.
func Histogram(ctx context.Context, idx *RangeIndex, mode Mode, bins int, begin, end float64) ([]float64, error) {
	if bins < 1 || bins > MaxBins || !(begin < end) {
		return nil, fmt.Errorf("%w: bins=%d begin=%g end=%g", ErrInvalidWindow, bins, begin, end)
	}
	if mode != ModeUtilization && mode != ModeCount {
		return nil, fmt.Errorf("%w: %v", ErrUnknownMode, mode)
	}

	h := buckets{begin: begin, end: end, n: bins, width: (end - begin) / float64(bins)}
	out := make([]float64, bins)

	seen := 0
	for e := range idx.OverlappingThrough(begin, end) {
		seen++
		if seen%checkCtxEvery == 0 && ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}

		if e.Enter == e.Leave {
			if k := h.point(e.Enter); k >= 0 && mode == ModeCount {
				out[k]++
			}
			continue
		}

		first, last := h.span(e.Enter, e.Leave)
		uEnter, uLeave := h.unit(e.Enter), h.unit(e.Leave)
		for k := first; k <= last; k++ {
			lo, hi := h.bounds(k)
			if !(e.Enter < hi && e.Leave > lo) {
				continue
			}
			switch mode {
			case ModeCount:
				out[k]++
			case ModeUtilization:
				// Bucket k spans [k+1, k+2] in bucket units. Every value in
				// that range is a multiple of the same power of two, so the
				// differences and their running sum are exact and a
				// sequential location never sums past 1.
				if v := min(uLeave, float64(k+2)) - max(uEnter, float64(k+1)); v > 0 {
					out[k] += v
				}
			}
		}
	}
	return out, nil
}

type buckets struct {
	begin, end, width float64
	n                 int
}

func (b buckets) lower(k int) float64 {
	if k >= b.n {
		return b.end
	}
	return b.begin + float64(k)*b.width
}

func (b buckets) bounds(k int) (lo, hi float64) {
	return b.lower(k), b.lower(k + 1)
}

// unit maps a timestamp to bucket units offset by one, so bucket k covers
// [k+1, k+2].
func (b buckets) unit(x float64) float64 {
	return (x-b.begin)/b.width + 1
}

// point returns the bucket holding timestamp t, or -1 when t is outside
// [begin, end].
func (b buckets) point(t float64) int {
	if t < b.begin || t > b.end {
		return -1
	}
	k, _ := b.span(t, t)
	if b.lower(k) <= t && (t < b.lower(k+1) || k == b.n-1) {
		return k
	}
	return -1
}

// span returns the first and last bucket an interval can overlap. The
// arithmetic guess is corrected against the actual bucket bounds so float
// rounding never drops or adds a bucket.
func (b buckets) span(enter, leave float64) (first, last int) {
	first = clampInt(int(math.Floor((enter-b.begin)/b.width)), 0, b.n-1)
	for first > 0 && b.lower(first) > enter {
		first--
	}
	for first < b.n-1 && b.lower(first+1) <= enter {
		first++
	}

	last = clampInt(int(math.Ceil((leave-b.begin)/b.width))-1, 0, b.n-1)
	for last < b.n-1 && b.lower(last+1) < leave {
		last++
	}
	for last > 0 && b.lower(last) >= leave {
		last--
	}
	return first, last
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
