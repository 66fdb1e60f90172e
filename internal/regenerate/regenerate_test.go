package regenerate

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"

	"github.com/fpang/webpeasy/internal/catalog"
	"github.com/fpang/webpeasy/internal/hooks"
	"github.com/fpang/webpeasy/internal/media"
)

// stubGenerator records which assets it saw and fails for listed IDs.
type stubGenerator struct {
	seen  []int64
	fail  map[int64]bool
	nilOK bool
}

func (g *stubGenerator) GenerateMetadata(ctx context.Context, a *media.Asset) (*media.Metadata, error) {
	g.seen = append(g.seen, a.ID)
	if g.fail[a.ID] {
		return nil, errors.New("decode error")
	}
	if g.nilOK {
		return nil, nil
	}
	return &media.Metadata{File: a.File}, nil
}

type brokenCatalog struct{ media.Catalog }

func (brokenCatalog) ListIDsByMime(context.Context, []string, int, int) ([]int64, error) {
	return nil, errors.New("database unavailable")
}

// fixture builds a file catalog with n JPEGs on disk plus one PDF.
func fixture(t *testing.T, n int) (*catalog.FileCatalog, string) {
	t.Helper()
	dir := t.TempDir()
	c, err := catalog.NewFileCatalog(filepath.Join(dir, "catalog.json"))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("img%02d.jpg", i)
		if err := os.WriteFile(filepath.Join(dir, name), []byte("jpeg"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := c.Insert(ctx, &media.Asset{File: name, MimeType: media.MimeJPEG}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := c.Insert(ctx, &media.Asset{File: "doc.pdf", MimeType: "application/pdf"}); err != nil {
		t.Fatal(err)
	}
	return c, dir
}

func TestClampLimit(t *testing.T) {
	tests := []struct{ in, want int }{
		{-3, 5}, {0, 5}, {1, 1}, {5, 5}, {10, 10}, {11, 10}, {1000, 10},
	}
	for _, tt := range tests {
		if got := ClampLimit(tt.in); got != tt.want {
			t.Errorf("ClampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestProcessBatchNeverExceedsMax(t *testing.T) {
	c, dir := fixture(t, 25)
	gen := &stubGenerator{}
	r := New(c, gen, dir)

	res := r.ProcessBatch(context.Background(), 0, 1000)
	if res.Processed+res.Errors != MaxBatchSize {
		t.Errorf("attempted %d, want %d", res.Processed+res.Errors, MaxBatchSize)
	}
}

func TestProcessBatchPartitionsCatalog(t *testing.T) {
	const total = 23
	c, dir := fixture(t, total)
	gen := &stubGenerator{}
	r := New(c, gen, dir)
	ctx := context.Background()

	n, err := r.CountImages(ctx)
	if err != nil || n != total {
		t.Fatalf("CountImages = %d, %v; want %d", n, err, total)
	}

	for _, limit := range []int{1, 3, 5, 10} {
		gen.seen = nil
		for offset := 0; offset < n; offset += limit {
			res := r.ProcessBatch(ctx, offset, limit)
			if res.Errors != 0 {
				t.Fatalf("limit %d offset %d: errors %v", limit, offset, res.Messages)
			}
		}
		if len(gen.seen) != total {
			t.Fatalf("limit %d: visited %d assets, want %d", limit, len(gen.seen), total)
		}
		for i, id := range gen.seen {
			if id != int64(i+1) {
				t.Fatalf("limit %d: visit[%d] = %d, want %d (each once, ascending)", limit, i, id, i+1)
			}
		}
	}
}

func TestProcessBatchCollectsFailures(t *testing.T) {
	c, dir := fixture(t, 5)
	ctx := context.Background()

	// asset 2: file gone; asset 4: generator fails.
	if err := os.Remove(filepath.Join(dir, "img01.jpg")); err != nil {
		t.Fatal(err)
	}
	gen := &stubGenerator{fail: map[int64]bool{4: true}}
	r := New(c, gen, dir)

	res := r.ProcessBatch(ctx, 0, 10)
	if res.Processed != 3 || res.Errors != 2 {
		t.Fatalf("processed %d errors %d, want 3 and 2: %v", res.Processed, res.Errors, res.Messages)
	}
	want := []string{
		"Failed to process attachment #2: Image file not found.",
		"Failed to process attachment #4: Failed to generate attachment metadata.",
	}
	if len(res.Messages) != len(want) {
		t.Fatalf("messages = %v", res.Messages)
	}
	for i := range want {
		if res.Messages[i] != want[i] {
			t.Errorf("message[%d] = %q, want %q", i, res.Messages[i], want[i])
		}
	}
}

func TestRegenerateOneErrors(t *testing.T) {
	c, dir := fixture(t, 1)
	ctx := context.Background()

	tests := []struct {
		name    string
		id      int64
		gen     *stubGenerator
		wantErr error
	}{
		{"not an image", 2, &stubGenerator{}, ErrInvalidAsset},
		{"missing asset", 99, &stubGenerator{}, ErrInvalidAsset},
		{"generator error", 1, &stubGenerator{fail: map[int64]bool{1: true}}, ErrGenerationFailed},
		{"generator returns nothing", 1, &stubGenerator{nilOK: true}, ErrGenerationFailed},
		{"success", 1, &stubGenerator{}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(c, tt.gen, dir).RegenerateOne(ctx, tt.id)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if err := os.Remove(filepath.Join(dir, "img00.jpg")); err != nil {
		t.Fatal(err)
	}
	if err := New(c, &stubGenerator{}, dir).RegenerateOne(ctx, 1); !errors.Is(err, ErrFileMissing) {
		t.Errorf("error = %v, want ErrFileMissing", err)
	}
}

func TestProcessBatchListingFailure(t *testing.T) {
	c, dir := fixture(t, 1)
	r := New(brokenCatalog{c}, &stubGenerator{}, dir)

	res := r.ProcessBatch(context.Background(), 0, 5)
	if res.Processed != 0 || res.Errors != 0 {
		t.Errorf("processed %d errors %d, want 0 and 0", res.Processed, res.Errors)
	}
	if len(res.Messages) != 1 || !strings.Contains(res.Messages[0], "database unavailable") {
		t.Errorf("messages = %v", res.Messages)
	}
}

func TestReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrInvalidAsset, "Attachment is not an image."},
		{fmt.Errorf("%w: boom", ErrGenerationFailed), "Failed to generate attachment metadata."},
		{ErrFileMissing, "Image file not found."},
		{errors.New("other"), "other"},
	}
	for _, tt := range tests {
		if got := Reason(tt.err); got != tt.want {
			t.Errorf("Reason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

type qualityEncoder struct{ qualities []int }

func (q *qualityEncoder) Encode(img image.Image, quality int) ([]byte, error) {
	q.qualities = append(q.qualities, quality)
	return []byte("RIFFWEBP"), nil
}

func TestProcessBatchWithEditor(t *testing.T) {
	dir := t.TempDir()
	c, err := catalog.NewFileCatalog(filepath.Join(dir, "catalog.json"))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for _, name := range []string{"a.jpg", "b.png", "c.gif"} {
		img := imaging.New(200, 100, color.NRGBA{G: 255, A: 255})
		if err := imaging.Save(img, filepath.Join(dir, name)); err != nil {
			t.Fatal(err)
		}
		mime, _ := media.GetMIMEType(filepath.Ext(name))
		if _, err := c.Insert(ctx, &media.Asset{File: name, MimeType: mime}); err != nil {
			t.Fatal(err)
		}
	}

	bus := hooks.NewBus()
	bus.AddFormatMapper(hooks.FormatMapperFunc(func(f map[string]string, _, mime string) map[string]string {
		f[mime] = media.MimeWebP
		return f
	}))
	bus.AddQualityProvider(hooks.QualityProviderFunc(func(q int, mime string) int {
		if mime == media.MimeWebP {
			return 95
		}
		return q
	}))
	enc := &qualityEncoder{}
	r := New(c, media.NewEditor(dir, bus, enc), dir)

	res := r.ProcessBatch(ctx, 0, 5)
	if res.Processed != 3 || res.Errors != 0 {
		t.Fatalf("processed %d errors %d: %v", res.Processed, res.Errors, res.Messages)
	}
	for _, name := range []string{"a.webp", "b.webp", "c.webp", "a-150x100.webp"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("sibling %s missing: %v", name, err)
		}
	}
	for _, q := range enc.qualities {
		if q != 95 {
			t.Errorf("encode quality = %d, want 95", q)
		}
	}
	a, _ := c.Get(ctx, 1)
	if a.Metadata == nil || a.Metadata.Sources[media.MimeWebP].File != "a.webp" {
		t.Errorf("stored metadata = %+v", a.Metadata)
	}
}

// fakeBatcher serves a fixed catalog of n assets.
type fakeBatcher struct {
	total   int
	fail    map[int]bool // by offset index
	calls   []int
	listErr bool
}

func (f *fakeBatcher) CountImages(context.Context) (int, error) { return f.total, nil }

func (f *fakeBatcher) ProcessBatch(ctx context.Context, offset, limit int) (Result, error) {
	f.calls = append(f.calls, offset)
	res := Result{}
	if f.listErr {
		res.Messages = []string{"failed to list images: boom"}
		return res, nil
	}
	for i := offset; i < min(offset+ClampLimit(limit), f.total); i++ {
		if f.fail[i] {
			res.Errors++
			res.Messages = append(res.Messages, fmt.Sprintf("Failed to process attachment #%d: x", i+1))
			continue
		}
		res.Processed++
	}
	return res, nil
}

func TestSweepVisitsEverything(t *testing.T) {
	b := &fakeBatcher{total: 12, fail: map[int]bool{3: true}}
	var seen []Progress
	p, err := Sweep(context.Background(), b, 5, 0, func(p Progress) { seen = append(seen, p) })
	if err != nil {
		t.Fatal(err)
	}
	if p.Processed != 11 || p.Errors != 1 || p.Offset != 12 {
		t.Errorf("progress = %+v", p)
	}
	wantCalls := []int{0, 5, 10}
	if len(b.calls) != len(wantCalls) {
		t.Fatalf("calls = %v, want %v", b.calls, wantCalls)
	}
	for i := range wantCalls {
		if b.calls[i] != wantCalls[i] {
			t.Errorf("call[%d] offset = %d, want %d", i, b.calls[i], wantCalls[i])
		}
	}
	if len(seen) != 3 {
		t.Errorf("onBatch called %d times, want 3", len(seen))
	}
}

func TestSweepStopsOnListingFailure(t *testing.T) {
	b := &fakeBatcher{total: 4, listErr: true}
	if _, err := Sweep(context.Background(), b, 5, 0, nil); err == nil {
		t.Fatal("expected error")
	}
	if len(b.calls) != 1 {
		t.Errorf("calls = %v, want one", b.calls)
	}
}

func TestSweepCancelledBetweenBatches(t *testing.T) {
	b := &fakeBatcher{total: 100}
	ctx, cancel := context.WithCancel(context.Background())
	_, err := Sweep(ctx, b, 5, time.Hour, func(Progress) { cancel() })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if len(b.calls) != 1 {
		t.Errorf("calls = %v, want one batch before cancel", b.calls)
	}
}

func TestSweepEmptyCatalog(t *testing.T) {
	b := &fakeBatcher{}
	p, err := Sweep(context.Background(), b, 5, 0, nil)
	if err != nil || p.Total != 0 || len(b.calls) != 0 {
		t.Errorf("Sweep = %+v, %v, calls %v", p, err, b.calls)
	}
}
