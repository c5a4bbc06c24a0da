package server

import (
	"embed"
	"html/template"
	"net/http"

	"github.com/roach88/fota/internal/reconcile"
)

//go:embed templates/*.html
var templateFS embed.FS

var dashboardTmpl = template.Must(template.ParseFS(templateFS, "templates/dashboard.html"))

type dashboardData struct {
	Flash    string
	Latest   string
	Devices  []reconcile.DeviceView
	Versions []string
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	data := dashboardData{
		Flash:    r.URL.Query().Get("msg"),
		Devices:  s.svc.Fleet(ctx),
		Versions: s.svc.Catalog().ListVersions(ctx),
	}
	data.Latest, _ = s.svc.Catalog().GetLatest(ctx)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTmpl.Execute(w, data); err != nil {
		s.requestLogger(r).Error("rendering dashboard", "error", err)
	}
}
