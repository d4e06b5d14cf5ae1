package agent

import (
	"sort"

	"github.com/opencanvas/collabd/pkg/board"
	"github.com/opencanvas/collabd/pkg/store"
)

type frameRect struct {
	id         string
	x, y, w, h float64
}

func (f frameRect) area() float64 { return f.w * f.h }

// autoFitFrames grows every frame so its children fit with padding, returning
// the merge writes for frames whose rectangle changed. Frames never shrink.
//
// Child assignment is two-phase against the pre-fit rectangles. Phase 1
// assigns every non-connector object to the smallest frame strictly
// containing its top-left corner, which resolves nested frames without
// letting siblings steal one another's children. Phase 2 recovers non-frame
// objects the model placed slightly outside an under-sized frame: the nearest
// frame by summed axis gaps claims the object, but only while the gap on each
// axis stays within the object's own extent.
//
// Frames are then processed in increasing pre-fit area so inner frames grow
// before the outer frames that contain them; state is updated in place so an
// outer frame sees its inner frame's new size.
func autoFitFrames(state map[string]*board.Object, side, top, bottom float64) []store.Write {
	var frames []frameRect
	for id, o := range state {
		if o.Type == board.TypeFrame {
			frames = append(frames, frameRect{id: id, x: o.X, y: o.Y, w: o.Width, h: o.Height})
		}
	}
	if len(frames) == 0 {
		return nil
	}
	sort.Slice(frames, func(i, j int) bool {
		if frames[i].area() != frames[j].area() {
			return frames[i].area() < frames[j].area()
		}
		return frames[i].id < frames[j].id
	})

	children := make(map[string][]string)
	for id, o := range state {
		if o.Type == "" || o.Type == board.TypeConnector {
			continue
		}
		cx, cy, cw, ch := o.BBox()

		// Phase 1: smallest frame strictly containing the top-left.
		assigned := false
		for _, f := range frames {
			if f.id == id {
				continue
			}
			if f.x < cx && cx < f.x+f.w && f.y < cy && cy < f.y+f.h {
				children[f.id] = append(children[f.id], id)
				assigned = true
				break
			}
		}
		if assigned || o.Type == board.TypeFrame {
			continue
		}

		// Phase 2: spillover for non-frame objects.
		best := ""
		bestDist := 0.0
		for _, f := range frames {
			gx := axisGap(cx, cw, f.x, f.w)
			gy := axisGap(cy, ch, f.y, f.h)
			if gx > cw || gy > ch {
				continue
			}
			if d := gx + gy; best == "" || d < bestDist {
				best, bestDist = f.id, d
			}
		}
		if best != "" {
			children[best] = append(children[best], id)
		}
	}

	var writes []store.Write
	for _, f := range frames {
		kids := children[f.id]
		if len(kids) == 0 {
			continue
		}

		first := state[kids[0]]
		minX, minY, maxX, maxY := bboxCorners(first)
		for _, kid := range kids[1:] {
			x0, y0, x1, y1 := bboxCorners(state[kid])
			minX, minY = min(minX, x0), min(minY, y0)
			maxX, maxY = max(maxX, x1), max(maxY, y1)
		}

		cur := state[f.id]
		newX := min(cur.X, minX-side)
		newY := min(cur.Y, minY-top)
		newW := max(cur.X+cur.Width, maxX+side) - newX
		newH := max(cur.Y+cur.Height, maxY+bottom) - newY
		if newX == cur.X && newY == cur.Y && newW == cur.Width && newH == cur.Height {
			continue
		}

		grown := cur.Clone()
		grown.X, grown.Y, grown.Width, grown.Height = newX, newY, newW, newH
		state[f.id] = grown
		writes = append(writes, store.Write{
			Op:       store.OpMerge,
			ObjectID: f.id,
			Fields:   map[string]any{"x": newX, "y": newY, "width": newW, "height": newH},
		})
	}
	return writes
}

func bboxCorners(o *board.Object) (x0, y0, x1, y1 float64) {
	x, y, w, h := o.BBox()
	return x, y, x + w, y + h
}

// axisGap is the distance between the intervals [a, a+aw] and [b, b+bw],
// zero when they overlap.
func axisGap(a, aw, b, bw float64) float64 {
	if a+aw < b {
		return b - (a + aw)
	}
	if b+bw < a {
		return a - (b + bw)
	}
	return 0
}
