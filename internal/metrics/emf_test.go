package metrics

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

// captureEMF points the sink at a buffer with a fixed clock and no
// function name.
func captureEMF(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	out, enabled, function, now := emf.out, emf.enabled, emf.function, emf.now
	emf.out, emf.enabled, emf.function = &buf, true, ""
	emf.now = func() time.Time { return time.UnixMilli(1700000000000) }
	t.Cleanup(func() {
		emf.out, emf.enabled, emf.function, emf.now = out, enabled, function, now
	})
	return &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var docs []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal([]byte(line), &doc); err != nil {
			t.Fatalf("invalid EMF line %q: %v", line, err)
		}
		docs = append(docs, doc)
	}
	return docs
}

func TestFlushDocument(t *testing.T) {
	buf := captureEMF(t)

	New(Namespace).
		Dimension("Operation", "regenerate_batch").
		Metric("BatchLatencyMs", 1234.5, UnitMilliseconds).
		Metric("AssetsProcessed", 4, UnitCount).
		Metric("AssetsProcessed", 5, UnitCount).
		Property("offset", "10").
		Property("Operation", "shadowed").
		Flush()

	docs := decodeLines(t, buf)
	if len(docs) != 1 {
		t.Fatalf("got %d lines, want 1", len(docs))
	}
	doc := docs[0]
	if doc["Operation"] != "regenerate_batch" {
		t.Errorf("Operation = %v, dimension should win over property", doc["Operation"])
	}
	if doc["BatchLatencyMs"] != 1234.5 || doc["AssetsProcessed"] != float64(5) || doc["offset"] != "10" {
		t.Errorf("fields = %v", doc)
	}

	aws := doc["_aws"].(map[string]any)
	if aws["Timestamp"] != float64(1700000000000) {
		t.Errorf("Timestamp = %v", aws["Timestamp"])
	}
	set := aws["CloudWatchMetrics"].([]any)[0].(map[string]any)
	if set["Namespace"] != Namespace {
		t.Errorf("Namespace = %v", set["Namespace"])
	}
	defs := set["Metrics"].([]any)
	if len(defs) != 2 {
		t.Fatalf("metric defs = %v, want 2 entries", defs)
	}
	if first := defs[0].(map[string]any)["Name"]; first != "AssetsProcessed" {
		t.Errorf("defs not sorted, first = %v", first)
	}
}

func TestFlushSkips(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		rec     func() *Recorder
	}{
		{"no metrics", true, func() *Recorder { return New("Test").Property("k", "v") }},
		{"disabled", false, func() *Recorder { return New("Test").Count("Calls") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureEMF(t)
			emf.enabled = tt.enabled
			tt.rec().Flush()
			if buf.Len() != 0 {
				t.Errorf("unexpected output: %s", buf.String())
			}
		})
	}
}

func TestFunctionNameDimension(t *testing.T) {
	buf := captureEMF(t)
	emf.function = "webpeasy-admin"

	New("Test").Count("Calls").Flush()

	doc := decodeLines(t, buf)[0]
	if doc["FunctionName"] != "webpeasy-admin" {
		t.Errorf("FunctionName = %v", doc["FunctionName"])
	}
	set := doc["_aws"].(map[string]any)["CloudWatchMetrics"].([]any)[0].(map[string]any)
	dims := set["Dimensions"].([]any)[0].([]any)
	if len(dims) != 1 || dims[0] != "FunctionName" {
		t.Errorf("Dimensions = %v", dims)
	}
}

func TestObserveRequest(t *testing.T) {
	tests := []struct {
		status     int
		wantErrors bool
	}{
		{200, false},
		{403, false},
		{502, true},
	}
	for _, tt := range tests {
		buf := captureEMF(t)
		ObserveRequest("/ajax/webpeasy_regenerate_batch", "POST", tt.status, 40*time.Millisecond)

		doc := decodeLines(t, buf)[0]
		if doc["Endpoint"] != "/ajax/webpeasy_regenerate_batch" || doc["RequestLatencyMs"] != float64(40) {
			t.Errorf("status %d: doc = %v", tt.status, doc)
		}
		if _, ok := doc["ServerErrors"]; ok != tt.wantErrors {
			t.Errorf("status %d: ServerErrors present = %v", tt.status, ok)
		}
	}
}

func TestObserveBatchEmitsEMF(t *testing.T) {
	buf := captureEMF(t)

	ObserveBatch(3, 1, 250*time.Millisecond)

	doc := decodeLines(t, buf)[0]
	if doc["AssetsProcessed"] != float64(3) || doc["AssetErrors"] != float64(1) {
		t.Errorf("doc = %v", doc)
	}
	if doc["Operation"] != "regenerate_batch" {
		t.Errorf("Operation = %v", doc["Operation"])
	}
}
