// Package observability exposes service metrics through OpenTelemetry and
// a Prometheus scrape endpoint.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrJob     = "job_status"
	attrOutcome = "outcome"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

// statusAttr groups status codes: 2xx, 4xx, 5xx.
func statusAttr(code int) attribute.KeyValue {
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func jobStatusAttr(status string) attribute.KeyValue {
	return attribute.String(attrJob, status)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

// normalizePath replaces job ids and variable names with placeholders.
//
//	/jobs/17/results/energy -> /jobs/{job}/results/{var}
//	/jobs/17/file/a/b.txt   -> /jobs/{job}/file/{path}
//	/default/alpha          -> /default/{var}
func normalizePath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) >= 2 && parts[0] == "jobs" && parts[1] != "":
		parts[1] = "{job}"
		if len(parts) >= 4 {
			switch parts[2] {
			case "inputs", "results":
				if parts[3] != "" {
					parts = append(parts[:3], "{var}")
				}
			case "file", "dir":
				parts = append(parts[:3], "{path}")
			}
		}
	case len(parts) == 2 && parts[0] == "default" && parts[1] != "":
		parts[1] = "{var}"
	}

	normalized := "/" + strings.Join(parts, "/")
	if strings.HasSuffix(path, "/") && normalized != "/" {
		normalized += "/"
	}
	return normalized
}
