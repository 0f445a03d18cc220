package telemetry

import "go.opentelemetry.io/otel/attribute"

// Attribute keys shared by the tool, engine, and storage span/metric
// wrappers, mirroring the teacher's observer.Attr* naming.
var (
	AttrToolName         = attribute.Key("tool.name")
	AttrToolStatus       = attribute.Key("tool.status")
	AttrToolResultLength = attribute.Key("tool.result_length")

	AttrLLMProvider  = attribute.Key("llm.provider")
	AttrLLMMethod    = attribute.Key("llm.method")
	AttrStreamChunks = attribute.Key("llm.stream_chunks")

	AttrStorageOp   = attribute.Key("storage.op")
	AttrStorageKind = attribute.Key("storage.status")
)
