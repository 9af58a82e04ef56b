package resource

import (
	"context"

	"golang.org/x/exp/slog"
)

// mergeBox tries to fold box into existing. It returns false when the two cannot be
// represented by one box along the first dims axes.
func mergeBox(existing *Box, box Box, dims int) bool {
	if existing.Contains(box, dims) {
		return true
	}

	// axes lists, for each axis, the origin and extent pointers of existing and the span of
	// box along it
	type axis struct {
		origin *uint32
		extent *uint32
		start  uint32
		length uint32
	}
	axes := []axis{
		{&existing.Origin.X, &existing.Extent.Width, box.Origin.X, box.Extent.Width},
		{&existing.Origin.Y, &existing.Extent.Height, box.Origin.Y, max(box.Extent.Height, 1)},
		{&existing.Origin.Z, &existing.Extent.DepthOrArrayLayers, box.Origin.Z, max(box.Extent.DepthOrArrayLayers, 1)},
	}[:dims]

	// Boxes that match on every axis but one and touch along it merge into one
	for grow := range axes {
		matches := true
		for other := range axes {
			if other == grow {
				continue
			}
			if *axes[other].origin != axes[other].start || max(*axes[other].extent, 1) != axes[other].length {
				matches = false
				break
			}
		}
		if !matches {
			continue
		}

		a := axes[grow]
		if *a.origin == a.start+a.length {
			*a.origin -= a.length
			*a.extent += a.length
			return true
		}
		if *a.origin+*a.extent == a.start {
			*a.extent += a.length
			return true
		}
	}

	if box.Contains(*existing, dims) {
		*existing = box
		return true
	}
	return false
}

// AddCopyBox records that a transfer wrote box of level. Boxes already covered are
// ignored, and boxes adjacent to a recorded one are merged into it.
func (o *Object) AddCopyBox(level uint32, box Box) {
	o.copyMutex.Lock()
	defer o.copyMutex.Unlock()

	if int(level) >= len(o.copies) {
		return
	}

	dims := dimensions(&o.template)
	boxes := o.copies[level]
	if o.copiesValid {
		for i := range boxes {
			if mergeBox(&boxes[i], box, dims) {
				return
			}
		}
	}

	o.copies[level] = append(boxes, box)
	o.copiesValid = true

	if !o.copiesWarned && len(o.copies[level]) > maxCopyBoxes {
		o.copiesWarned = true
		o.screen.logger.LogAttrs(context.Background(), slog.LevelWarn, "more than 100 copy boxes recorded for one level",
			slog.String("object", o.String()),
			slog.Int("level", int(level)),
		)
	}
}

// CopyBoxIntersects reports whether box of level may overlap a region written by a
// transfer. Without a valid copy history every box may.
func (o *Object) CopyBoxIntersects(level uint32, box Box) bool {
	o.copyMutex.Lock()
	defer o.copyMutex.Unlock()

	if !o.copiesValid || int(level) >= len(o.copies) {
		return true
	}

	dims := dimensions(&o.template)
	for _, recorded := range o.copies[level] {
		if recorded.Intersects(box, dims) {
			return true
		}
	}
	return false
}

// HasPendingCopy reports whether a recorded transfer write overlaps box of level. Unlike
// CopyBoxIntersects it answers false when no history has been recorded.
func (o *Object) HasPendingCopy(level uint32, box Box) bool {
	o.copyMutex.Lock()
	defer o.copyMutex.Unlock()

	if !o.copiesValid || int(level) >= len(o.copies) {
		return false
	}

	dims := dimensions(&o.template)
	for _, recorded := range o.copies[level] {
		if recorded.Intersects(box, dims) {
			return true
		}
	}
	return false
}

// CopyBoxCount returns the number of boxes recorded for level
func (o *Object) CopyBoxCount(level uint32) int {
	o.copyMutex.Lock()
	defer o.copyMutex.Unlock()

	if int(level) >= len(o.copies) {
		return 0
	}
	return len(o.copies[level])
}

// ResetCopies forgets the copy history. For buffers the recorded regions are folded into
// valid, since the data they describe has landed.
func (o *Object) ResetCopies(valid *Range) {
	o.copyMutex.Lock()
	defer o.copyMutex.Unlock()

	if !o.copiesValid {
		return
	}

	if o.template.IsBuffer() && valid != nil && len(o.copies) > 0 {
		for _, box := range o.copies[0] {
			valid.Add(box.x0(), box.x1())
		}
	}
	for level := range o.copies {
		o.copies[level] = o.copies[level][:0]
	}
	o.copiesValid = false
}
