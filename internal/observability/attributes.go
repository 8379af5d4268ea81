// Package observability provides the runner's OpenTelemetry metrics, exported
// in Prometheus format.
package observability

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod     = "method"
	attrPath       = "path"
	attrStatus     = "status"
	attrScriptType = "script_type"
	attrJobStatus  = "job_status"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func scriptTypeAttr(scriptType string) attribute.KeyValue {
	return attribute.String(attrScriptType, scriptType)
}

func jobStatusAttr(status string) attribute.KeyValue {
	return attribute.String(attrJobStatus, status)
}

// normalizePath replaces job IDs with a placeholder to bound cardinality.
// /jobs/3f1c.../cancel -> /jobs/{jobID}/cancel
func normalizePath(path string) string {
	segments := strings.Split(path, "/")
	for i, s := range segments {
		if _, err := uuid.Parse(s); err == nil {
			segments[i] = "{jobID}"
		}
	}
	return strings.Join(segments, "/")
}
