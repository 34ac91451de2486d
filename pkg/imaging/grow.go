package imaging

import (
	"container/heap"
	"fmt"
	"math"

	"lungctsegmenter/internal/models"
)

// GrowFromSeeds implements IntensityMaskedGrow.
//
// Every labelled seed voxel starts a front. Fronts advance through the
// 6-neighbourhood in order of accumulated cost, where stepping into a voxel
// costs one plus the absolute intensity difference. A voxel belongs to the
// first front that reaches it. Voxels outside the intensity mask or the
// extent box are never entered; seed voxels keep their label regardless.
func (t *Toolkit) GrowFromSeeds(v *models.Volume, seeds *models.Mask, opts GrowOptions) (*models.Mask, error) {
	if !v.Geometry.Equal(seeds.Geometry) {
		return nil, fmt.Errorf("seed labelmap geometry (%s) differs from volume (%s)", seeds.Geometry, v.Geometry)
	}

	lo, hi, ok := seedExtent(seeds, opts.ExtentGrowthRatio)
	if !ok {
		return nil, fmt.Errorf("seed labelmap is empty")
	}

	n := v.Len()
	out := models.NewMask(v.Geometry)
	cost := make([]float64, n)
	for i := range cost {
		cost[i] = math.Inf(1)
	}

	allowed := func(idx int) bool {
		if opts.IntensityMask == nil {
			return true
		}
		return opts.IntensityMask.Contains(v.Data[idx])
	}

	pq := &frontQueue{}
	var seq uint64
	for idx, label := range seeds.Data {
		if label == 0 {
			continue
		}
		cost[idx] = 0
		heap.Push(pq, frontItem{idx: idx, label: label, cost: 0, seq: seq})
		seq++
	}

	dims := v.Dims
	plane := dims[0] * dims[1]
	for pq.Len() > 0 {
		cur := heap.Pop(pq).(frontItem)
		if out.Data[cur.idx] != 0 {
			continue
		}
		out.Data[cur.idx] = cur.label

		i, j, k := v.Coord(cur.idx)
		for _, d := range neighbours6 {
			ni, nj, nk := i+d[0], j+d[1], k+d[2]
			if ni < lo[0] || nj < lo[1] || nk < lo[2] || ni > hi[0] || nj > hi[1] || nk > hi[2] {
				continue
			}
			nidx := cur.idx + d[0] + d[1]*dims[0] + d[2]*plane
			if out.Data[nidx] != 0 || !allowed(nidx) {
				continue
			}
			c := cur.cost + 1 + math.Abs(v.Data[nidx]-v.Data[cur.idx])
			if c < cost[nidx] {
				cost[nidx] = c
				heap.Push(pq, frontItem{idx: nidx, label: cur.label, cost: c, seq: seq})
				seq++
			}
		}
	}
	return out, nil
}

var neighbours6 = [6][3]int{
	{-1, 0, 0}, {1, 0, 0},
	{0, -1, 0}, {0, 1, 0},
	{0, 0, -1}, {0, 0, 1},
}

// seedExtent returns the inclusive voxel box that growth may cover.
func seedExtent(seeds *models.Mask, ratio float64) (lo, hi [3]int, ok bool) {
	lo = [3]int{math.MaxInt, math.MaxInt, math.MaxInt}
	hi = [3]int{-1, -1, -1}
	for idx, label := range seeds.Data {
		if label == 0 {
			continue
		}
		c := [3]int{}
		c[0], c[1], c[2] = seeds.Coord(idx)
		for a := 0; a < 3; a++ {
			lo[a] = minInt(lo[a], c[a])
			hi[a] = maxInt(hi[a], c[a])
		}
		ok = true
	}
	if !ok {
		return lo, hi, false
	}
	for a := 0; a < 3; a++ {
		if ratio <= 0 {
			lo[a], hi[a] = 0, seeds.Dims[a]-1
			continue
		}
		margin := int(math.Ceil(float64(hi[a]-lo[a]+1) * ratio))
		lo[a] = maxInt(0, lo[a]-margin)
		hi[a] = minInt(seeds.Dims[a]-1, hi[a]+margin)
	}
	return lo, hi, true
}

type frontItem struct {
	idx   int
	label uint8
	cost  float64
	seq   uint64
}

// frontQueue orders fronts by cost, then by insertion order so results are
// deterministic.
type frontQueue []frontItem

func (q frontQueue) Len() int { return len(q) }
func (q frontQueue) Less(a, b int) bool {
	if q[a].cost != q[b].cost {
		return q[a].cost < q[b].cost
	}
	return q[a].seq < q[b].seq
}
func (q frontQueue) Swap(a, b int) { q[a], q[b] = q[b], q[a] }
func (q *frontQueue) Push(x any)   { *q = append(*q, x.(frontItem)) }
func (q *frontQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}
