package telemetry

import "go.opentelemetry.io/otel/attribute"

// Label keys shared by every drainsrv instrument.
const (
	keyMethod = attribute.Key("method")
	keyPath   = attribute.Key("path")
	keyStatus = attribute.Key("status")
	keyResult = attribute.Key("result")
	keyLayer  = attribute.Key("layer")
	keyReason = attribute.Key("reason")
	keyTag    = attribute.Key("tag")
)
