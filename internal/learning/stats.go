package learning

import (
	"math"
	"slices"
	"sort"
	"time"
)

func summarize(points []DataPoint, keep func(DataPoint) bool) PatternGroup {
	g := PatternGroup{Load: map[string]int{LoadLow: 0, LoadMedium: 0, LoadHigh: 0}}
	var total int64
	for _, p := range points {
		if !keep(p) {
			continue
		}
		g.Count++
		if h := p.Context.HourOfDay; h >= 0 && h < 24 {
			g.Hours[h]++
		}
		if d := p.Context.DayOfWeek; d >= 0 && d < 7 {
			g.Days[d]++
		}
		g.Load[LoadBucket(p.Context.SystemLoad)]++
		total += p.DurationMs
	}
	if g.Count > 0 {
		g.AvgDurationMs = float64(total) / float64(g.Count)
	}
	return g
}

func buildPatterns(points []DataPoint) Patterns {
	return Patterns{
		Success:     summarize(points, func(p DataPoint) bool { return p.Success }),
		Failure:     summarize(points, func(p DataPoint) bool { return !p.Success }),
		Performance: summarize(points, func(p DataPoint) bool { return p.DurationMs > 0 }),
		Errors:      summarize(points, func(p DataPoint) bool { return p.Context.ErrorCount > 0 }),
	}
}

// nextFailure projects the mean gap between failures forward from the last
// one. It needs at least two failures.
func nextFailure(points []DataPoint) *time.Time {
	var failures []time.Time
	for _, p := range points {
		if !p.Success {
			failures = append(failures, p.Timestamp)
		}
	}
	sort.Slice(failures, func(i, j int) bool { return failures[i].Before(failures[j]) })
	// Points recorded together (a cycle and its modules) are one failure event.
	failures = slices.CompactFunc(failures, time.Time.Equal)
	if len(failures) < 2 {
		return nil
	}

	first, last := failures[0], failures[len(failures)-1]
	mean := last.Sub(first) / time.Duration(len(failures)-1)
	next := last.Add(mean)
	return &next
}

// optimalHours ranks observed hours by success rate, breaking ties by sample
// count and then by the earlier hour.
func optimalHours(points []DataPoint, n int) []int {
	var total, ok [24]int
	for _, p := range points {
		h := p.Context.HourOfDay
		if h < 0 || h >= 24 {
			continue
		}
		total[h]++
		if p.Success {
			ok[h]++
		}
	}

	hours := make([]int, 0, 24)
	for h := range 24 {
		if total[h] > 0 {
			hours = append(hours, h)
		}
	}
	rate := func(h int) float64 { return float64(ok[h]) / float64(total[h]) }
	sort.SliceStable(hours, func(i, j int) bool {
		a, b := hours[i], hours[j]
		if rate(a) != rate(b) {
			return rate(a) > rate(b)
		}
		if total[a] != total[b] {
			return total[a] > total[b]
		}
		return a < b
	})
	if len(hours) > n {
		hours = hours[:n]
	}
	return hours
}

func resourceNeeds(points []DataPoint, window int, ceiling uint64) ResourceEstimate {
	recent := lastN(points, window)
	if len(recent) == 0 || ceiling == 0 {
		return ResourceEstimate{Level: LoadLow}
	}
	var sum float64
	for _, p := range recent {
		sum += float64(p.Context.SystemLoad)
	}
	avg := sum / float64(len(recent))
	pressure := math.Min(1, math.Max(0, avg/float64(ceiling)))

	level := LoadLow
	switch {
	case pressure >= 0.75:
		level = LoadHigh
	case pressure >= 0.4:
		level = LoadMedium
	}
	return ResourceEstimate{Pressure: pressure, Level: level, AvgLoadBytes: avg}
}

func accuracy(points []DataPoint, window int) float64 {
	recent := lastN(points, window)
	if len(recent) == 0 {
		return 0
	}
	agree := 0
	for _, p := range recent {
		if p.Success {
			agree++
		}
	}
	return float64(agree) / float64(len(recent))
}

// weights scores how strongly each feature separates failures from successes.
// The scores are normalized to sum to one.
func weights(points []DataPoint) map[string]float64 {
	failRate := func(keep func(DataPoint) bool) (float64, bool) {
		n, f := 0, 0
		for _, p := range points {
			if keep(p) {
				n++
				if !p.Success {
					f++
				}
			}
		}
		if n == 0 {
			return 0, false
		}
		return float64(f) / float64(n), true
	}
	spread := func(a, b float64, okA, okB bool) float64 {
		if !okA || !okB {
			return 0
		}
		return math.Abs(a - b)
	}

	withErr, okE := failRate(func(p DataPoint) bool { return p.Context.ErrorCount > 0 })
	noErr, okN := failRate(func(p DataPoint) bool { return p.Context.ErrorCount == 0 })
	high, okH := failRate(func(p DataPoint) bool { return LoadBucket(p.Context.SystemLoad) == LoadHigh })
	low, okL := failRate(func(p DataPoint) bool { return LoadBucket(p.Context.SystemLoad) == LoadLow })

	minHour, maxHour, seen := 1.0, 0.0, 0
	for h := range 24 {
		r, ok := failRate(func(p DataPoint) bool { return p.Context.HourOfDay == h })
		if !ok {
			continue
		}
		seen++
		minHour = math.Min(minHour, r)
		maxHour = math.Max(maxHour, r)
	}
	timing := 0.0
	if seen > 1 {
		timing = maxHour - minHour
	}

	w := map[string]float64{
		"timing": timing,
		"load":   spread(high, low, okH, okL),
		"errors": spread(withErr, noErr, okE, okN),
	}
	sum := w["timing"] + w["load"] + w["errors"]
	for k := range w {
		if sum == 0 {
			w[k] = 1.0 / 3
		} else {
			w[k] /= sum
		}
	}
	return w
}

func lastN(points []DataPoint, n int) []DataPoint {
	if n <= 0 || len(points) <= n {
		return points
	}
	return points[len(points)-n:]
}
