// Package observability provides metrics, tracing, and logging utilities.
package observability

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod   = "method"
	attrPath     = "path"
	attrStatus   = "status"
	attrImage    = "image"
	attrOutcome  = "outcome"
	attrResource = "resource"
)

// Span attribute keys shared by the job runner.
const (
	AttrRunID     = attribute.Key("inference.run_id")
	AttrNamespace = attribute.Key("k8s.namespace.name")
	AttrImage     = attribute.Key("container.image.name")
	AttrPhase     = attribute.Key("inference.phase")
	AttrTimedOut  = attribute.Key("inference.timed_out")
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func imageAttr(image string) attribute.KeyValue {
	return attribute.String(attrImage, image)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func resourceAttr(resource string) attribute.KeyValue {
	return attribute.String(attrResource, resource)
}

// knownPaths are the routes served by the API. Anything else is folded into
// a single label to keep scanners from inflating cardinality.
var knownPaths = map[string]bool{
	"/upload": true,
	"/livez":  true,
	"/readyz": true,
}

func normalizePath(path string) string {
	if knownPaths[path] {
		return path
	}
	return "other"
}
