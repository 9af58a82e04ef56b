package bo

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/gallium/device"
	"github.com/vkngwrapper/gallium/internal/utils"
	"github.com/vkngwrapper/gallium/memutils"
	"golang.org/x/exp/slog"
)

const maxSparseBackingSize = 8 * 1024 * 1024

// PageRange is the half-open page range [Begin, End)
type PageRange struct {
	Begin int
	End   int
}

func (r PageRange) Pages() int {
	return r.End - r.Begin
}

// sparseBacking is a real allocation that provides physical pages to one sparse BO
type sparseBacking struct {
	bo    *BO
	pages int
	// chunks is the sorted list of free page ranges. Neighboring chunks are never
	// adjacent, since adjacent ranges are merged on free.
	chunks []PageRange
}

var _ memutils.Validatable = &sparseBacking{}

type pageBinding struct {
	backing *sparseBacking
	page    int
}

type sparsePayload struct {
	mutex     utils.OptionalMutex
	target    device.SparseTarget
	types     []int
	pageSize  int
	pageCount int
	// backedPages is the total page count of every backing
	backedPages int
	backings    []*sparseBacking
	// pages maps each committed virtual page to the backing page behind it
	pages *swiss.Map[int, pageBinding]
}

func (a *Allocator) createSparse(req Request, heap device.Heap, types []int) (*BO, common.VkResult, error) {
	size := memutils.AlignUp(req.Size, uint(a.sparsePageSize))

	bo := &BO{
		allocator:       a,
		kind:            KindSparse,
		heap:            heap,
		memoryTypeIndex: types[0],
		size:            size,
		alignment:       max(req.Alignment, a.sparsePageSize),
		flags:           req.Flags,
		sparse: &sparsePayload{
			mutex:     utils.OptionalMutex{UseMutex: a.useMutex},
			types:     types,
			pageSize:  a.sparsePageSize,
			pageCount: size / a.sparsePageSize,
			pages:     swiss.NewMap[int, pageBinding](16),
		},
	}
	bo.refCount.Init()

	a.sparseMutex.Lock()
	defer a.sparseMutex.Unlock()
	a.sparseBOs.Put(bo, struct{}{})

	return bo, core1_0.VKSuccess, nil
}

// SetSparseTarget names the device resource that a sparse BO's pages are bound into
func (b *BO) SetSparseTarget(target device.SparseTarget) {
	if b.kind != KindSparse {
		panic("attempted to set the sparse target of a BO that is not sparse")
	}

	b.sparse.mutex.Lock()
	defer b.sparse.mutex.Unlock()

	b.sparse.target = target
}

// CommittedPages returns the number of pages of a sparse BO that are backed
func (b *BO) CommittedPages() int {
	if b.kind != KindSparse {
		return 0
	}

	b.sparse.mutex.Lock()
	defer b.sparse.mutex.Unlock()

	return b.sparse.pages.Count()
}

// IsPageCommitted reports whether the page at the given index is backed
func (b *BO) IsPageCommitted(page int) bool {
	if b.kind != KindSparse {
		return false
	}

	b.sparse.mutex.Lock()
	defer b.sparse.mutex.Unlock()

	return b.sparse.pages.Has(page)
}

// SparseBackings returns the free chunk lists of each backing of a sparse BO, along with
// each backing's page count
func (b *BO) SparseBackings() (pages []int, chunks [][]PageRange) {
	if b.kind != KindSparse {
		return nil, nil
	}

	b.sparse.mutex.Lock()
	defer b.sparse.mutex.Unlock()

	for _, backing := range b.sparse.backings {
		pages = append(pages, backing.pages)
		chunks = append(chunks, append([]PageRange(nil), backing.chunks...))
	}
	return pages, chunks
}

// SparseCommit backs (commit) or unbacks (decommit) the byte range [offset, offset+size)
// of a sparse BO. The range must be page aligned, except that it may end at the end of the
// BO. Committing a page that is already committed, or decommitting one that is not, does
// nothing.
func (a *Allocator) SparseCommit(bo *BO, offset, size int, commit bool) error {
	a.logger.Debug("Allocator::SparseCommit")

	if !bo.CanCommit() {
		return errors.Newf("cannot commit pages of %s", bo)
	}
	err := a.checkDeviceLost("committing pages of %s", bo)
	if err != nil {
		return err
	}

	sp := bo.sparse
	if offset < 0 || size <= 0 || offset+size > bo.size {
		return errors.Wrapf(memutils.RangeError, "commit range [%d, %d) of a %d byte sparse BO", offset, offset+size, bo.size)
	}
	if !memutils.IsAligned(offset, uint(sp.pageSize)) {
		return errors.Newf("commit offset %d is not aligned to the %d byte page size", offset, sp.pageSize)
	}
	if !memutils.IsAligned(size, uint(sp.pageSize)) && offset+size != bo.size {
		return errors.Newf("commit size %d is not aligned to the %d byte page size", size, sp.pageSize)
	}

	firstPage := offset / sp.pageSize
	endPage := memutils.DivRoundUp(offset+size, sp.pageSize)

	sp.mutex.Lock()
	defer sp.mutex.Unlock()

	if commit {
		return a.commitPages(bo, firstPage, endPage)
	}
	return a.decommitPages(bo, firstPage, endPage)
}

func (a *Allocator) commitPages(bo *BO, firstPage, endPage int) error {
	sp := bo.sparse
	dev := a.memory.Device()

	page := firstPage
	for page < endPage {
		if sp.pages.Has(page) {
			page++
			continue
		}

		spanEnd := page + 1
		for spanEnd < endPage && !sp.pages.Has(spanEnd) {
			spanEnd++
		}

		for page < spanEnd {
			backing, backingPage, count, err := a.sparseBackingAlloc(bo, spanEnd-page)
			if err != nil {
				return err
			}

			_, err = dev.SparseBind([]device.SparseBind{
				{
					Target:         sp.target,
					ResourceOffset: page * sp.pageSize,
					Memory:         backing.bo.Memory().Handle(),
					MemoryOffset:   backingPage * sp.pageSize,
					Size:           count * sp.pageSize,
				},
			})
			if err != nil {
				a.sparseBackingFree(bo, backing, backingPage, count)
				return errors.Wrapf(err, "binding %d sparse pages at page %d", count, page)
			}

			for i := 0; i < count; i++ {
				sp.pages.Put(page+i, pageBinding{backing: backing, page: backingPage + i})
			}
			page += count
		}
	}

	return nil
}

func (a *Allocator) decommitPages(bo *BO, firstPage, endPage int) error {
	sp := bo.sparse

	anyCommitted := false
	for page := firstPage; page < endPage; page++ {
		if sp.pages.Has(page) {
			anyCommitted = true
			break
		}
	}
	if !anyCommitted {
		return nil
	}

	_, err := a.memory.Device().SparseBind([]device.SparseBind{
		{
			Target:         sp.target,
			ResourceOffset: firstPage * sp.pageSize,
			Size:           (endPage - firstPage) * sp.pageSize,
		},
	})
	if err != nil {
		return errors.Wrapf(err, "unbinding sparse pages [%d, %d)", firstPage, endPage)
	}

	page := firstPage
	for page < endPage {
		binding, ok := sp.pages.Get(page)
		if !ok {
			page++
			continue
		}

		// Gather the run of pages that sit next to each other in the same backing
		count := 1
		for page+count < endPage {
			next, ok := sp.pages.Get(page + count)
			if !ok || next.backing != binding.backing || next.page != binding.page+count {
				break
			}
			count++
		}

		for i := 0; i < count; i++ {
			sp.pages.Delete(page + i)
		}
		a.sparseBackingFree(bo, binding.backing, binding.page, count)
		page += count
	}

	return nil
}

// sparseBackingAlloc finds up to want free backing pages, preferring the smallest free
// chunk that holds the whole request and otherwise the largest. A new backing is
// allocated when every backing is full.
func (a *Allocator) sparseBackingAlloc(bo *BO, want int) (*sparseBacking, int, int, error) {
	sp := bo.sparse

	var best *sparseBacking
	bestIndex := 0
	bestPages := 0
	for _, backing := range sp.backings {
		for index, chunk := range backing.chunks {
			pages := chunk.Pages()
			if (bestPages < want && pages > bestPages) || (bestPages > want && pages < bestPages && pages >= want) {
				best = backing
				bestIndex = index
				bestPages = pages
			}
		}
	}

	if best == nil {
		size := min(bo.size/16, maxSparseBackingSize, bo.size-sp.backedPages*sp.pageSize)
		size = max(memutils.AlignDown(size, uint(sp.pageSize)), sp.pageSize)

		backingBO, _, err := a.allocateReal(bo.heap, sp.types, size, sp.pageSize, nil)
		if err != nil {
			return nil, 0, 0, errors.Wrapf(err, "allocating a %d byte sparse backing", size)
		}
		backingBO.flags = CreateNoSuballoc | CreateNoCache

		best = &sparseBacking{
			bo:     backingBO,
			pages:  size / sp.pageSize,
			chunks: []PageRange{{Begin: 0, End: size / sp.pageSize}},
		}
		sp.backings = append(sp.backings, best)
		sp.backedPages += best.pages
		bestIndex = 0
		bestPages = best.pages
	}

	count := min(want, bestPages)
	chunk := &best.chunks[bestIndex]
	start := chunk.Begin
	chunk.Begin += count
	if chunk.Begin >= chunk.End {
		best.chunks = append(best.chunks[:bestIndex], best.chunks[bestIndex+1:]...)
	}

	memutils.DebugValidate(best)
	return best, start, count, nil
}

// sparseBackingFree returns count pages starting at start to backing, merging them into
// the neighboring free chunks. A backing whose free chunks cover its whole extent is
// released.
func (a *Allocator) sparseBackingFree(bo *BO, backing *sparseBacking, start, count int) {
	sp := bo.sparse
	end := start + count

	index := sort.Search(len(backing.chunks), func(i int) bool {
		return backing.chunks[i].Begin >= start
	})

	if index > 0 && backing.chunks[index-1].End > start ||
		index < len(backing.chunks) && backing.chunks[index].Begin < end {
		panic("attempted to free sparse backing pages that are already free")
	}

	mergePrev := index > 0 && backing.chunks[index-1].End == start
	mergeNext := index < len(backing.chunks) && backing.chunks[index].Begin == end

	switch {
	case mergePrev && mergeNext:
		backing.chunks[index-1].End = backing.chunks[index].End
		backing.chunks = append(backing.chunks[:index], backing.chunks[index+1:]...)
	case mergePrev:
		backing.chunks[index-1].End = end
	case mergeNext:
		backing.chunks[index].Begin = start
	default:
		backing.chunks = append(backing.chunks, PageRange{})
		copy(backing.chunks[index+1:], backing.chunks[index:])
		backing.chunks[index] = PageRange{Begin: start, End: end}
	}

	memutils.DebugValidate(backing)

	if len(backing.chunks) == 1 && backing.chunks[0].Begin == 0 && backing.chunks[0].End == backing.pages {
		for i, other := range sp.backings {
			if other == backing {
				sp.backings = append(sp.backings[:i], sp.backings[i+1:]...)
				break
			}
		}
		sp.backedPages -= backing.pages
		a.freeReal(backing.bo)
	}
}

func (b *sparseBacking) Validate() error {
	previousEnd := -1
	for i, chunk := range b.chunks {
		if chunk.Begin < 0 || chunk.End > b.pages || chunk.Begin >= chunk.End {
			return errors.Newf("sparse backing chunk %d [%d, %d) is empty or out of range for %d pages", i, chunk.Begin, chunk.End, b.pages)
		}
		if chunk.Begin < previousEnd {
			return errors.Newf("sparse backing chunk %d [%d, %d) overlaps or precedes the previous chunk", i, chunk.Begin, chunk.End)
		}
		if chunk.Begin == previousEnd {
			return errors.Newf("sparse backing chunk %d [%d, %d) is adjacent to the previous chunk without being merged", i, chunk.Begin, chunk.End)
		}
		previousEnd = chunk.End
	}
	return nil
}

// Validate checks every backing of a sparse BO
func (b *BO) Validate() error {
	if b.kind != KindSparse {
		return nil
	}

	b.sparse.mutex.Lock()
	defer b.sparse.mutex.Unlock()

	err := memutils.ValidateEach(b.sparse.backings)
	if err != nil {
		return errors.Wrap(err, "sparse backing")
	}

	backed := 0
	for _, backing := range b.sparse.backings {
		backed += backing.pages
	}
	if backed != b.sparse.backedPages {
		return errors.Newf("sparse BO records %d backed pages but its backings hold %d", b.sparse.backedPages, backed)
	}

	return nil
}

func (a *Allocator) destroySparse(bo *BO) {
	sp := bo.sparse

	sp.mutex.Lock()
	committed := sp.pages.Count()
	for _, backing := range sp.backings {
		a.freeReal(backing.bo)
	}
	sp.backings = nil
	sp.backedPages = 0
	sp.pages.Clear()
	sp.mutex.Unlock()

	if committed > 0 {
		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "released sparse BO with committed pages",
			slog.Int("size", bo.size),
			slog.Int("committedPages", committed),
		)
	}

	a.sparseMutex.Lock()
	defer a.sparseMutex.Unlock()
	a.sparseBOs.Delete(bo)
}
