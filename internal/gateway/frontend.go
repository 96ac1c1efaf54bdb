package gateway

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agenthub/agenthub/internal/common/apperr"
)

const frontendMissingPage = `<!doctype html>
<html>
<head><title>Agent Hub</title></head>
<body>
<h1>Agent Hub</h1>
<p>The frontend has not been built. Run the frontend build and restart the
hub, or use the API directly at <code>/api</code>.</p>
</body>
</html>
`

// mountFrontend serves the built SPA for every route the API does not
// claim. Unknown paths fall back to index.html so client-side routes
// survive a refresh; a missing dist directory yields a hint page instead
// of a bare 404.
func (s *Server) mountFrontend(r *gin.Engine) {
	r.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			respondErr(c, apperr.NotFound("route not found"))
			return
		}
		if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
			respondErr(c, apperr.NotFound("route not found"))
			return
		}

		distAbs, err := filepath.Abs(s.cfg.Frontend.DistDir)
		if err == nil {
			rel := filepath.Clean(strings.TrimPrefix(c.Request.URL.Path, "/"))
			candidate := filepath.Join(distAbs, rel)
			// Containment check keeps ../ escapes out of the dist dir.
			if candidate == distAbs || strings.HasPrefix(candidate, distAbs+string(os.PathSeparator)) {
				if info, statErr := os.Stat(candidate); statErr == nil && !info.IsDir() {
					c.File(candidate)
					return
				}
			}
			index := filepath.Join(distAbs, "index.html")
			if _, statErr := os.Stat(index); statErr == nil {
				c.File(index)
				return
			}
		}
		c.Data(http.StatusServiceUnavailable, "text/html; charset=utf-8", []byte(frontendMissingPage))
	})
}
