package server

import (
	"bytes"
	"html/template"
	"net/http"
	"time"

	"github.com/tdewolff/minify/v2"
	minhtml "github.com/tdewolff/minify/v2/html"

	"github.com/wsussync/wsussync/embed"
	"github.com/wsussync/wsussync/metadata"
)

// statusPage is the data the status template renders.
type statusPage struct {
	Title     string
	StartedAt string
	Now       string

	HasStore        bool
	PackageCount    int
	SegmentCount    int
	ReindexRequired bool
	TypeCounts      []statusTypeCount
	CategoryCount   int

	HasContent   bool
	ContentFiles int
	ContentBytes int64
}

// statusTypeCount is one row of the per-type breakdown.
type statusTypeCount struct {
	Type  string
	Count int
}

// handleStatus renders the status page on the exact root path.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	s.mu.RLock()
	state := s.state
	cs := s.content
	s.mu.RUnlock()

	page := statusPage{
		Title:     "Update mirror",
		StartedAt: s.startedAt.UTC().Format("2006-01-02 15:04 UTC"),
		Now:       time.Now().UTC().Format("2006-01-02 15:04 UTC"),
	}

	if state != nil {
		page.HasStore = true
		page.PackageCount = state.store.Count()
		page.SegmentCount = state.store.SegmentCount()
		page.ReindexRequired = state.store.IsReindexingRequired()
		page.CategoryCount = len(state.categories)

		counts := map[metadata.PackageType]int{}
		for pkgIndex := range state.store.Identities() {
			typ, err := state.store.PackageType(pkgIndex)
			if err != nil {
				continue
			}

			counts[typ]++
		}

		for _, typ := range []metadata.PackageType{
			metadata.PackageTypeSoftwareUpdate,
			metadata.PackageTypeDriverUpdate,
			metadata.PackageTypeProductCategory,
			metadata.PackageTypeClassificationCategory,
			metadata.PackageTypeDetectoid,
		} {
			page.TypeCounts = append(page.TypeCounts, statusTypeCount{Type: typ.String(), Count: counts[typ]})
		}
	}

	if cs != nil {
		stats, err := cs.Stats()
		if err == nil {
			page.HasContent = true
			page.ContentFiles = stats.Files
			page.ContentBytes = stats.Bytes
		}
	}

	t, err := template.ParseFS(embed.GetTemplates(), "templates/index.html")
	if err != nil {
		s.logger.WithError(err).Error("Failed to parse status template")
		http.Error(w, "Internal server error", http.StatusInternalServerError)

		return
	}

	var buf bytes.Buffer

	err = t.Execute(&buf, page)
	if err != nil {
		s.logger.WithError(err).Error("Failed to render status page")
		http.Error(w, "Internal server error", http.StatusInternalServerError)

		return
	}

	m := minify.New()
	m.AddFunc("text/html", minhtml.Minify)

	out, err := m.Bytes("text/html", buf.Bytes())
	if err != nil {
		// Serve the unminified page rather than failing the request.
		out = buf.Bytes()
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(out)
}
