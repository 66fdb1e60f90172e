// Package rewrite swaps legacy image URLs in rendered HTML for their WebP
// siblings when the sibling exists on disk.
//
// The scan is lexical: it finds src, srcset, data-src, data-srcset and href
// attribute values and never builds a DOM. Script, style and comment
// regions are left alone.
package rewrite

import (
	"bytes"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/webpeasy/internal/media"
	"github.com/fpang/webpeasy/internal/metrics"
)

// Options configures a Rewriter.
type Options struct {
	// BaseURL is the public uploads URL, e.g. https://example.com/uploads
	// or /uploads. Only URLs under it are rewritten.
	BaseURL string
	// BaseDir is the uploads directory BaseURL maps onto.
	BaseDir string
	// AdminPrefix and CronPath exclude requests from buffering.
	AdminPrefix string
	CronPath    string
}

// Rewriter rewrites page bodies. It is safe for concurrent use.
type Rewriter struct {
	baseURL     string
	baseDir     string
	adminPrefix string
	cronPath    string
	exists      func(path string) bool
}

// New builds a Rewriter.
func New(opts Options) *Rewriter {
	return &Rewriter{
		baseURL:     strings.TrimSuffix(opts.BaseURL, "/"),
		baseDir:     opts.BaseDir,
		adminPrefix: strings.TrimSuffix(opts.AdminPrefix, "/"),
		cronPath:    opts.CronPath,
		exists:      fileExists,
	}
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// CronHeader marks a request issued by the scheduler.
const CronHeader = "X-Webpeasy-Cron"

// ShouldBuffer reports whether a page request may receive rewritten output:
// not an admin page, not an async action, not a scheduled task, and the
// client accepts WebP.
func (rw *Rewriter) ShouldBuffer(r *http.Request) bool {
	p := r.URL.Path
	if rw.adminPrefix != "" && (p == rw.adminPrefix || strings.HasPrefix(p, rw.adminPrefix+"/")) {
		return false
	}
	if strings.EqualFold(r.Header.Get("X-Requested-With"), "XMLHttpRequest") ||
		strings.HasSuffix(p, "/admin-ajax.php") {
		return false
	}
	if (rw.cronPath != "" && p == rw.cronPath) || r.Header.Get(CronHeader) != "" {
		return false
	}
	return acceptsWebP(r.Header.Values("Accept"))
}

func acceptsWebP(accept []string) bool {
	for _, v := range accept {
		if strings.Contains(strings.ToLower(v), media.MimeWebP) {
			return true
		}
	}
	return false
}

// Filter is the buffer filter entry point. It never fails: a panic during
// the scan yields the original body.
func (rw *Rewriter) Filter(body []byte) (out []byte) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Rewrite failed, serving original output")
			metrics.ObserveRewrite("failed", 0, time.Since(start))
			out = body
		}
	}()

	out, n := rw.Rewrite(body)
	outcome := "unchanged"
	if n > 0 {
		outcome = "rewritten"
	}
	metrics.ObserveRewrite(outcome, n, time.Since(start))
	return out
}

// attrPattern finds the opening quote of a candidate attribute value. It
// runs over an ASCII-lowered copy of the body so offsets line up.
var attrPattern = regexp.MustCompile(`(?:^|[\s"'/])(data-srcset|data-src|srcset|src|href)\s*=\s*["']`)

// Rewrite returns body with every qualifying image URL replaced by its
// sibling, and the number of substitutions. When nothing qualifies the
// input slice itself is returned.
func (rw *Rewriter) Rewrite(body []byte) ([]byte, int) {
	if rw.baseURL == "" || len(body) == 0 {
		return body, 0
	}
	lower := asciiLower(body)
	if !bytes.Contains(lower, asciiLower([]byte(rw.baseURL))) {
		return body, 0
	}
	skip := skippedRegions(lower)

	var (
		out    bytes.Buffer
		copied int // body[:copied] is already in out
		n      int
	)
	cursor := 0
	for _, m := range attrPattern.FindAllSubmatchIndex(lower, -1) {
		valueStart := m[1]
		if valueStart <= cursor || inRegions(skip, m[2]) {
			continue
		}
		quote := body[valueStart-1]
		end := bytes.IndexByte(body[valueStart:], quote)
		if end < 0 {
			break
		}
		valueEnd := valueStart + end
		cursor = valueEnd

		name := string(lower[m[2]:m[3]])
		value := string(body[valueStart:valueEnd])

		var replaced string
		var count int
		if name == "srcset" || name == "data-srcset" {
			replaced, count = rw.rewriteSrcset(value)
		} else if webp, ok := rw.sibling(value); ok {
			replaced, count = webp, 1
		}
		if count == 0 {
			continue
		}

		if out.Len() == 0 {
			out.Grow(len(body) + 64)
		}
		out.Write(body[copied:valueStart])
		out.WriteString(replaced)
		copied = valueEnd
		n += count
	}

	if n == 0 {
		return body, 0
	}
	out.Write(body[copied:])
	return out.Bytes(), n
}

// rewriteSrcset handles "url [descriptor], url [descriptor], ...", keeping
// the original separators and descriptors.
func (rw *Rewriter) rewriteSrcset(value string) (string, int) {
	var b strings.Builder
	n := 0
	for i, candidate := range strings.Split(value, ",") {
		if i > 0 {
			b.WriteByte(',')
		}
		trimmed := strings.TrimLeft(candidate, " \t\n\r\f")
		lead := candidate[:len(candidate)-len(trimmed)]
		u := trimmed
		rest := ""
		if j := strings.IndexAny(trimmed, " \t\n\r\f"); j >= 0 {
			u, rest = trimmed[:j], trimmed[j:]
		}
		if webp, ok := rw.sibling(u); ok {
			u = webp
			n++
		}
		b.WriteString(lead)
		b.WriteString(u)
		b.WriteString(rest)
	}
	return b.String(), n
}

// sibling maps a legacy image URL under the base URL to its WebP URL when
// the sibling file exists.
func (rw *Rewriter) sibling(u string) (string, bool) {
	if !strings.HasPrefix(u, rw.baseURL+"/") || strings.ContainsAny(u, "?#") {
		return "", false
	}
	webpURL, ok := media.SiblingName(u)
	if !ok {
		return "", false
	}

	rel, err := url.PathUnescape(strings.TrimPrefix(webpURL, rw.baseURL))
	if err != nil || containsPathTraversal(rel) {
		return "", false
	}
	fsPath := filepath.Join(rw.baseDir, filepath.FromSlash(path.Clean(rel)))
	if !rw.exists(fsPath) {
		return "", false
	}
	return webpURL, true
}

// containsPathTraversal reports whether any segment of p is "..".
func containsPathTraversal(p string) bool {
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return true
		}
	}
	return false
}

type region struct{ start, end int }

// skippedRegions returns script, style and comment spans in lower.
func skippedRegions(lower []byte) []region {
	var out []region
	pairs := []struct{ open, close string }{
		{"<!--", "-->"},
		{"<script", "</script"},
		{"<style", "</style"},
	}
	for i := 0; i < len(lower); {
		next, which := -1, -1
		for k, p := range pairs {
			j := bytes.Index(lower[i:], []byte(p.open))
			if j >= 0 && (next < 0 || j < next) {
				next, which = j, k
			}
		}
		if next < 0 {
			break
		}
		start := i + next
		from := start + len(pairs[which].open)
		if which > 0 {
			// The opening tag's own attributes are outside the region.
			gt := bytes.IndexByte(lower[from:], '>')
			if gt < 0 {
				break
			}
			from += gt + 1
			start = from
		}
		j := bytes.Index(lower[from:], []byte(pairs[which].close))
		if j < 0 {
			out = append(out, region{start, len(lower)})
			break
		}
		end := from + j + len(pairs[which].close)
		out = append(out, region{start, end})
		i = end
	}
	return out
}

func inRegions(rs []region, pos int) bool {
	for _, r := range rs {
		if pos >= r.start && pos < r.end {
			return true
		}
		if pos < r.start {
			return false
		}
	}
	return false
}

// asciiLower lower-cases A-Z only so byte offsets are preserved.
func asciiLower(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return out
}
