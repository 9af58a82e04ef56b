package bo

import "github.com/vkngwrapper/core/v2/common"

// CreateFlags changes how the Allocator places a BO
type CreateFlags int32

var createFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	createFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return createFlagsMapping.FlagsToString(f)
}

const (
	// CreateNoSuballoc gives the BO its own device allocation even when it is small enough
	// for a slab
	CreateNoSuballoc CreateFlags = 1 << iota
	// CreateNoCache frees the BO's device allocation as soon as the BO is released instead
	// of keeping it in the reclaim cache
	CreateNoCache
	// CreateSparse creates a virtual BO with no backing memory. Pages are backed with
	// Allocator.SparseCommit.
	CreateSparse
)

func init() {
	CreateNoSuballoc.Register("CreateNoSuballoc")
	CreateNoCache.Register("CreateNoCache")
	CreateSparse.Register("CreateSparse")
}

// Kind identifies which variant of BO is populated
type Kind int32

const (
	// KindReal is a BO with its own device allocation
	KindReal Kind = iota
	// KindSlab is a fixed-size entry carved out of a slab's device allocation
	KindSlab
	// KindSparse is a virtual BO backed page by page
	KindSparse
)

var kindMapping = map[Kind]string{
	KindReal:   "KindReal",
	KindSlab:   "KindSlab",
	KindSparse: "KindSparse",
}

func (k Kind) String() string {
	return kindMapping[k]
}
