package forward

import (
	"fmt"
	"sort"

	"relay_bot/internal/telegram/models"
)

// segment 一段待倒序扫描的区间 (after, before)，before 为 0 表示无上界
type segment struct {
	after  int
	before int
	top    bool // 断点之上的最新区间
}

func (s segment) String() string {
	if s.before == 0 {
		return fmt.Sprintf("(%d, +inf)", s.after)
	}
	return models.Range{After: s.after, Before: s.before}.String()
}

// buildSegments 先扫描断点之上的新消息，再按从新到旧补扫待处理区间
func buildSegments(checkpoint int, pending []models.Range) []segment {
	normalized := normalizeRanges(pending, checkpoint)
	segments := make([]segment, 0, len(normalized)+1)
	segments = append(segments, segment{after: checkpoint, top: true})
	for _, rg := range normalized {
		segments = append(segments, segment{after: rg.After, before: rg.Before})
	}
	return segments
}

// normalizeRanges 截断到断点之下、去掉空区间、按 Before 降序合并重叠区间
func normalizeRanges(ranges []models.Range, checkpoint int) []models.Range {
	clipped := make([]models.Range, 0, len(ranges))
	for _, rg := range ranges {
		if rg.Before > checkpoint+1 {
			rg.Before = checkpoint + 1
		}
		if rg.After < 0 {
			rg.After = 0
		}
		if rg.Empty() {
			continue
		}
		clipped = append(clipped, rg)
	}
	sort.Slice(clipped, func(i, j int) bool {
		if clipped[i].Before != clipped[j].Before {
			return clipped[i].Before > clipped[j].Before
		}
		return clipped[i].After < clipped[j].After
	})

	merged := make([]models.Range, 0, len(clipped))
	for _, rg := range clipped {
		if n := len(merged); n > 0 && rg.Before > merged[n-1].After {
			if rg.After < merged[n-1].After {
				merged[n-1].After = rg.After
			}
			continue
		}
		merged = append(merged, rg)
	}
	return merged
}

// segmentWalk 记录单个区间的扫描进度
type segmentWalk struct {
	seg    segment
	lowest int // 已处理的最小消息 ID，0 表示尚未处理任何消息

	failOpen bool
	failLo   int
	failHi   int
	failures []models.Range
}

func newSegmentWalk(seg segment) *segmentWalk {
	return &segmentWalk{seg: seg}
}

// processed 标记消息已处理（转发、跳过或记录为失败）
func (w *segmentWalk) processed(id int) {
	w.lowest = id
}

// failed 记录失败消息；连续失败合并为一个区间
func (w *segmentWalk) failed(id int) {
	if !w.failOpen {
		w.failOpen = true
		w.failHi = id + 1
	}
	w.failLo = id - 1
}

// closeFailure 结束当前失败区间
func (w *segmentWalk) closeFailure() {
	if !w.failOpen {
		return
	}
	w.failures = append(w.failures, models.Range{After: w.failLo, Before: w.failHi})
	w.failOpen = false
}

// remainder 中断时尚未处理的部分
// 最新区间只有在本次已推进断点时才需要记录，否则下次扫描自然会覆盖
func (w *segmentWalk) remainder(advanced bool) (models.Range, bool) {
	if w.seg.top {
		if !advanced || w.lowest == 0 {
			return models.Range{}, false
		}
		rg := models.Range{After: w.seg.after, Before: w.lowest}
		return rg, !rg.Empty()
	}

	before := w.seg.before
	if w.lowest != 0 {
		before = w.lowest
	}
	rg := models.Range{After: w.seg.after, Before: before}
	return rg, !rg.Empty()
}
