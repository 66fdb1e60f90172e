// Package metrics provides the two metric sinks used by webpeasy.
//
// In Lambda, metrics are written as CloudWatch Embedded Metric Format (EMF)
// lines on stdout, which CloudWatch turns into metrics without API calls.
// In server mode the same observations feed Prometheus collectors exposed
// at /metrics, and EMF is switched off.
//
// See: https://docs.aws.amazon.com/AmazonCloudWatch/latest/monitoring/CloudWatch_Embedded_Metric_Format_Specification.html
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Namespace is the CloudWatch namespace for every webpeasy metric.
const Namespace = "WebPeasy"

// CloudWatch units used by webpeasy.
const (
	UnitMilliseconds = "Milliseconds"
	UnitCount        = "Count"
)

type metricDef struct {
	Name string `json:"Name"`
	Unit string `json:"Unit"`
}

type directive struct {
	Timestamp         int64       `json:"Timestamp"`
	CloudWatchMetrics []directSet `json:"CloudWatchMetrics"`
}

type directSet struct {
	Namespace  string      `json:"Namespace"`
	Dimensions [][]string  `json:"Dimensions"`
	Metrics    []metricDef `json:"Metrics"`
}

// sink is where flushed documents go.
type sink struct {
	mu       sync.Mutex
	out      io.Writer
	enabled  bool
	function string
	now      func() time.Time
}

var emf = &sink{
	out:      os.Stdout,
	enabled:  os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" || os.Getenv("WEBPEASY_EMF") == "1",
	function: os.Getenv("AWS_LAMBDA_FUNCTION_NAME"),
	now:      time.Now,
}

// SetEMFEnabled turns EMF output on or off for the process.
func SetEMFEnabled(on bool) {
	emf.mu.Lock()
	emf.enabled = on
	emf.mu.Unlock()
}

func (s *sink) write(line []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return
	}
	s.out.Write(append(line, '\n'))
}

// Recorder collects one EMF document. Use one per operation.
type Recorder struct {
	namespace  string
	dimensions map[string]string
	defs       []metricDef
	fields     map[string]any
}

// New starts a document in namespace. Inside Lambda it carries a
// FunctionName dimension.
func New(namespace string) *Recorder {
	r := &Recorder{
		namespace:  namespace,
		dimensions: map[string]string{},
		fields:     map[string]any{},
	}
	if emf.function != "" {
		r.dimensions["FunctionName"] = emf.function
	}
	return r
}

// Dimension adds a dimension.
func (r *Recorder) Dimension(key, value string) *Recorder {
	r.dimensions[key] = value
	return r
}

// Metric records value under name. Recording the same name twice keeps the
// last value.
func (r *Recorder) Metric(name string, value float64, unit string) *Recorder {
	i := slices.IndexFunc(r.defs, func(d metricDef) bool { return d.Name == name })
	if i < 0 {
		r.defs = append(r.defs, metricDef{Name: name, Unit: unit})
	} else {
		r.defs[i].Unit = unit
	}
	r.fields[name] = value
	return r
}

// Count records a metric of 1.
func (r *Recorder) Count(name string) *Recorder {
	return r.Metric(name, 1, UnitCount)
}

// Property adds a field that is searchable in Logs Insights but is not a
// metric.
func (r *Recorder) Property(key string, value any) *Recorder {
	r.fields[key] = value
	return r
}

// document renders the EMF JSON object. Dimensions are written last so a
// property cannot shadow one.
func (r *Recorder) document() map[string]any {
	defs := slices.Clone(r.defs)
	slices.SortFunc(defs, func(a, b metricDef) int { return strings.Compare(a.Name, b.Name) })
	keys := make([]string, 0, len(r.dimensions))
	for k := range r.dimensions {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	doc := make(map[string]any, len(r.fields)+len(keys)+1)
	for k, v := range r.fields {
		doc[k] = v
	}
	for k, v := range r.dimensions {
		doc[k] = v
	}
	doc["_aws"] = directive{
		Timestamp: emf.now().UnixMilli(),
		CloudWatchMetrics: []directSet{{
			Namespace:  r.namespace,
			Dimensions: [][]string{keys},
			Metrics:    defs,
		}},
	}
	return doc
}

// Flush writes the document as one line. Documents without metrics are
// dropped.
func (r *Recorder) Flush() {
	if len(r.defs) == 0 {
		return
	}
	data, err := json.Marshal(r.document())
	if err != nil {
		fmt.Fprintf(os.Stderr, "emf: failed to marshal metrics: %v\n", err)
		return
	}
	emf.write(data)
}

// ObserveRequest records one admin request.
func ObserveRequest(endpoint, method string, status int, elapsed time.Duration) {
	r := New(Namespace).
		Dimension("Endpoint", endpoint).
		Metric("RequestLatencyMs", float64(elapsed.Milliseconds()), UnitMilliseconds).
		Count("RequestCount").
		Property("method", method).
		Property("statusCode", strconv.Itoa(status))
	if status >= 500 {
		r.Count("ServerErrors")
	}
	r.Flush()
}
