package resource

import "github.com/vkngwrapper/core/v2/common"

// Usage hints how the CPU and GPU will access a resource, which decides the memory it is
// placed in
type Usage int32

const (
	UsageDefault Usage = iota
	UsageImmutable
	UsageDynamic
	UsageStream
	UsageStaging
)

var usageMapping = map[Usage]string{
	UsageDefault:   "UsageDefault",
	UsageImmutable: "UsageImmutable",
	UsageDynamic:   "UsageDynamic",
	UsageStream:    "UsageStream",
	UsageStaging:   "UsageStaging",
}

func (u Usage) String() string {
	return usageMapping[u]
}

// TemplateFlags modify how a resource is created
type TemplateFlags int32

var templateFlagsMapping = common.NewFlagStringMapping[TemplateFlags]()

func (f TemplateFlags) Register(str string) {
	templateFlagsMapping.Register(f, str)
}
func (f TemplateFlags) String() string {
	return templateFlagsMapping.FlagsToString(f)
}

const (
	// FlagMapCoherent requests host-coherent memory so maps never need explicit flushes
	FlagMapCoherent TemplateFlags = 1 << iota
	// FlagMapPersistent allows the resource to stay mapped while the GPU uses it
	FlagMapPersistent
	// FlagSparse creates a resource whose pages are committed explicitly
	FlagSparse
	// FlagTransient marks attachments whose contents never leave the GPU
	FlagTransient
	// FlagLinear requires linear tiling for images
	FlagLinear
	// FlagMutable allows views in formats other than the resource's own
	FlagMutable
)

// MapFlags describe a CPU mapping of a resource
type MapFlags int32

var mapFlagsMapping = common.NewFlagStringMapping[MapFlags]()

func (f MapFlags) Register(str string) {
	mapFlagsMapping.Register(f, str)
}
func (f MapFlags) String() string {
	return mapFlagsMapping.FlagsToString(f)
}

const (
	MapRead MapFlags = 1 << iota
	MapWrite
	// MapDiscardRange allows the previous contents of the mapped range to be thrown away
	MapDiscardRange
	// MapDiscardWholeResource allows the previous contents of the whole resource to be
	// thrown away
	MapDiscardWholeResource
	// MapUnsynchronized skips waiting for the GPU. The caller guarantees nothing in flight
	// touches the range.
	MapUnsynchronized
	// MapDontBlock fails with fence.ErrWouldBlock instead of waiting
	MapDontBlock
	MapPersistent
	MapCoherent
	// MapFlushExplicit leaves flushing written ranges to FlushRegion
	MapFlushExplicit
)

func init() {
	FlagMapCoherent.Register("MapCoherent")
	FlagMapPersistent.Register("MapPersistent")
	FlagSparse.Register("Sparse")
	FlagTransient.Register("Transient")
	FlagLinear.Register("Linear")
	FlagMutable.Register("Mutable")

	MapRead.Register("Read")
	MapWrite.Register("Write")
	MapDiscardRange.Register("DiscardRange")
	MapDiscardWholeResource.Register("DiscardWholeResource")
	MapUnsynchronized.Register("Unsynchronized")
	MapDontBlock.Register("DontBlock")
	MapPersistent.Register("Persistent")
	MapCoherent.Register("Coherent")
	MapFlushExplicit.Register("FlushExplicit")
}
