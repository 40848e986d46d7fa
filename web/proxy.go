package web

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/charmbracelet/log"
)

// NewProxy forwards conversation requests to the upstream backend, keeping
// the path below /api.
func NewProxy(upstream string, logger *log.Logger) (http.Handler, error) {
	target, err := url.Parse(strings.TrimRight(upstream, "/"))
	if err != nil {
		return nil, err
	}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.URL.Path = target.Path + strings.TrimPrefix(pr.In.URL.Path, "/api")
			pr.Out.URL.RawPath = ""
			pr.Out.Host = target.Host
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("conversation upstream failed", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to reach conversation service")
		},
	}
	return proxy, nil
}
