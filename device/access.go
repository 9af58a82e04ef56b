package device

import "github.com/vkngwrapper/core/v2/common"

// AccessFlags describes the memory accesses a command performs against a resource. Bit
// values match VkAccessFlagBits.
type AccessFlags uint32

var accessFlagsMapping = common.NewFlagStringMapping[AccessFlags]()

func (f AccessFlags) Register(str string) {
	accessFlagsMapping.Register(f, str)
}
func (f AccessFlags) String() string {
	return accessFlagsMapping.FlagsToString(f)
}

const (
	AccessIndirectCommandRead AccessFlags = 1 << iota
	AccessIndexRead
	AccessVertexAttributeRead
	AccessUniformRead
	AccessInputAttachmentRead
	AccessShaderRead
	AccessShaderWrite
	AccessColorAttachmentRead
	AccessColorAttachmentWrite
	AccessDepthStencilAttachmentRead
	AccessDepthStencilAttachmentWrite
	AccessTransferRead
	AccessTransferWrite
	AccessHostRead
	AccessHostWrite
	AccessMemoryRead
	AccessMemoryWrite

	AccessWriteMask = AccessShaderWrite |
		AccessColorAttachmentWrite |
		AccessDepthStencilAttachmentWrite |
		AccessTransferWrite |
		AccessHostWrite |
		AccessMemoryWrite
)

// IsWrite reports whether any of the access bits write to memory
func (f AccessFlags) IsWrite() bool {
	return f&AccessWriteMask != 0
}

// PipelineStageFlags describes the pipeline stages a command touches a resource from. Bit
// values match VkPipelineStageFlagBits.
type PipelineStageFlags uint32

var pipelineStageFlagsMapping = common.NewFlagStringMapping[PipelineStageFlags]()

func (f PipelineStageFlags) Register(str string) {
	pipelineStageFlagsMapping.Register(f, str)
}
func (f PipelineStageFlags) String() string {
	return pipelineStageFlagsMapping.FlagsToString(f)
}

const (
	PipelineStageTopOfPipe PipelineStageFlags = 1 << iota
	PipelineStageDrawIndirect
	PipelineStageVertexInput
	PipelineStageVertexShader
	PipelineStageTessellationControlShader
	PipelineStageTessellationEvaluationShader
	PipelineStageGeometryShader
	PipelineStageFragmentShader
	PipelineStageEarlyFragmentTests
	PipelineStageLateFragmentTests
	PipelineStageColorAttachmentOutput
	PipelineStageComputeShader
	PipelineStageTransfer
	PipelineStageBottomOfPipe
	PipelineStageHost
	PipelineStageAllGraphics
	PipelineStageAllCommands
)

// ImageLayout is the layout an image subresource is kept in between uses. Values match
// VkImageLayout.
type ImageLayout int32

const (
	ImageLayoutUndefined ImageLayout = iota
	ImageLayoutGeneral
	ImageLayoutColorAttachmentOptimal
	ImageLayoutDepthStencilAttachmentOptimal
	ImageLayoutDepthStencilReadOnlyOptimal
	ImageLayoutShaderReadOnlyOptimal
	ImageLayoutTransferSrcOptimal
	ImageLayoutTransferDstOptimal
	ImageLayoutPreinitialized

	ImageLayoutPresentSrc ImageLayout = 1000001002
)

var imageLayoutMapping = make(map[ImageLayout]string)

func (l ImageLayout) String() string {
	return imageLayoutMapping[l]
}

// PipelineStageForAccess returns the stages that are able to perform the given accesses
// when the caller has not named any.
func PipelineStageForAccess(access AccessFlags) PipelineStageFlags {
	var stages PipelineStageFlags
	if access&AccessIndirectCommandRead != 0 {
		stages |= PipelineStageDrawIndirect
	}
	if access&(AccessIndexRead|AccessVertexAttributeRead) != 0 {
		stages |= PipelineStageVertexInput
	}
	if access&(AccessUniformRead|AccessShaderRead|AccessShaderWrite) != 0 {
		stages |= PipelineStageVertexShader | PipelineStageFragmentShader | PipelineStageComputeShader
	}
	if access&(AccessInputAttachmentRead) != 0 {
		stages |= PipelineStageFragmentShader
	}
	if access&(AccessColorAttachmentRead|AccessColorAttachmentWrite) != 0 {
		stages |= PipelineStageColorAttachmentOutput
	}
	if access&(AccessDepthStencilAttachmentRead|AccessDepthStencilAttachmentWrite) != 0 {
		stages |= PipelineStageEarlyFragmentTests | PipelineStageLateFragmentTests
	}
	if access&(AccessTransferRead|AccessTransferWrite) != 0 {
		stages |= PipelineStageTransfer
	}
	if access&(AccessHostRead|AccessHostWrite) != 0 {
		stages |= PipelineStageHost
	}
	if access&(AccessMemoryRead|AccessMemoryWrite) != 0 {
		stages |= PipelineStageAllCommands
	}

	if stages == 0 {
		return PipelineStageTopOfPipe
	}
	return stages
}

func init() {
	AccessIndirectCommandRead.Register("IndirectCommandRead")
	AccessIndexRead.Register("IndexRead")
	AccessVertexAttributeRead.Register("VertexAttributeRead")
	AccessUniformRead.Register("UniformRead")
	AccessInputAttachmentRead.Register("InputAttachmentRead")
	AccessShaderRead.Register("ShaderRead")
	AccessShaderWrite.Register("ShaderWrite")
	AccessColorAttachmentRead.Register("ColorAttachmentRead")
	AccessColorAttachmentWrite.Register("ColorAttachmentWrite")
	AccessDepthStencilAttachmentRead.Register("DepthStencilAttachmentRead")
	AccessDepthStencilAttachmentWrite.Register("DepthStencilAttachmentWrite")
	AccessTransferRead.Register("TransferRead")
	AccessTransferWrite.Register("TransferWrite")
	AccessHostRead.Register("HostRead")
	AccessHostWrite.Register("HostWrite")
	AccessMemoryRead.Register("MemoryRead")
	AccessMemoryWrite.Register("MemoryWrite")

	PipelineStageTopOfPipe.Register("TopOfPipe")
	PipelineStageDrawIndirect.Register("DrawIndirect")
	PipelineStageVertexInput.Register("VertexInput")
	PipelineStageVertexShader.Register("VertexShader")
	PipelineStageTessellationControlShader.Register("TessellationControlShader")
	PipelineStageTessellationEvaluationShader.Register("TessellationEvaluationShader")
	PipelineStageGeometryShader.Register("GeometryShader")
	PipelineStageFragmentShader.Register("FragmentShader")
	PipelineStageEarlyFragmentTests.Register("EarlyFragmentTests")
	PipelineStageLateFragmentTests.Register("LateFragmentTests")
	PipelineStageColorAttachmentOutput.Register("ColorAttachmentOutput")
	PipelineStageComputeShader.Register("ComputeShader")
	PipelineStageTransfer.Register("Transfer")
	PipelineStageBottomOfPipe.Register("BottomOfPipe")
	PipelineStageHost.Register("Host")
	PipelineStageAllGraphics.Register("AllGraphics")
	PipelineStageAllCommands.Register("AllCommands")

	imageLayoutMapping[ImageLayoutUndefined] = "ImageLayoutUndefined"
	imageLayoutMapping[ImageLayoutGeneral] = "ImageLayoutGeneral"
	imageLayoutMapping[ImageLayoutColorAttachmentOptimal] = "ImageLayoutColorAttachmentOptimal"
	imageLayoutMapping[ImageLayoutDepthStencilAttachmentOptimal] = "ImageLayoutDepthStencilAttachmentOptimal"
	imageLayoutMapping[ImageLayoutDepthStencilReadOnlyOptimal] = "ImageLayoutDepthStencilReadOnlyOptimal"
	imageLayoutMapping[ImageLayoutShaderReadOnlyOptimal] = "ImageLayoutShaderReadOnlyOptimal"
	imageLayoutMapping[ImageLayoutTransferSrcOptimal] = "ImageLayoutTransferSrcOptimal"
	imageLayoutMapping[ImageLayoutTransferDstOptimal] = "ImageLayoutTransferDstOptimal"
	imageLayoutMapping[ImageLayoutPreinitialized] = "ImageLayoutPreinitialized"
	imageLayoutMapping[ImageLayoutPresentSrc] = "ImageLayoutPresentSrc"
}
