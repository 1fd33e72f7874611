package api

import (
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/toru-run/toru/internal/logsink"
	"github.com/toru-run/toru/internal/supervisor"
	"github.com/toru-run/toru/internal/wire"
)

// Routes mounts the plugin management and log-read endpoints under
// r (spec.md §6). bundleDir is scanned for "<id>/bundle.js".
func Routes(r chi.Router, sup *supervisor.Supervisor, logs *logsink.Sink, bundleDir string) {
	r.Route("/plugins", func(r chi.Router) {
		r.Get("/", handleListPlugins(sup))
		r.Get("/{id}", handleGetPlugin(sup))
		r.Post("/{id}/enable", handleEnablePlugin(sup))
		r.Post("/{id}/disable", handleDisablePlugin(sup))
		r.Get("/{id}/bundle.js", handleGetBundle(sup, bundleDir))
		r.Get("/{id}/logs", handleGetLogs(sup, logs))
	})
}

func handleListPlugins(sup *supervisor.Supervisor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		OK(w, sup.ListPlugins())
	}
}

func handleGetPlugin(sup *supervisor.Supervisor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := ValidatePluginID(id); err != nil {
			BadRequest(w, err.Error())
			return
		}

		snap, err := sup.GetPlugin(id)
		if err != nil {
			NotFound(w, "plugin not found")
			return
		}
		OK(w, snap)
	}
}

func handleEnablePlugin(sup *supervisor.Supervisor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := ValidatePluginID(id); err != nil {
			BadRequest(w, err.Error())
			return
		}

		if err := sup.EnablePlugin(r.Context(), id); err != nil {
			if err == supervisor.ErrNotFound {
				NotFound(w, "plugin not found")
				return
			}
			InternalError(w, err.Error())
			return
		}
		NoContent(w)
	}
}

func handleDisablePlugin(sup *supervisor.Supervisor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := ValidatePluginID(id); err != nil {
			BadRequest(w, err.Error())
			return
		}

		if err := sup.DisablePlugin(r.Context(), id); err != nil {
			if err == supervisor.ErrNotFound {
				NotFound(w, "plugin not found")
				return
			}
			InternalError(w, err.Error())
			return
		}
		NoContent(w)
	}
}

// handleGetBundle serves a plugin's optional UI bundle, 501 if the plugin
// ships none (spec.md §6). 404 if the id is unknown or the plugin is not
// enabled, matching get_plugin_bundle in the original source.
func handleGetBundle(sup *supervisor.Supervisor, bundleDir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := ValidatePluginID(id); err != nil {
			BadRequest(w, err.Error())
			return
		}

		snap, err := sup.GetPlugin(id)
		if err != nil {
			NotFound(w, "plugin not found")
			return
		}
		if !snap.Enabled {
			NotFound(w, "plugin not found")
			return
		}

		path := filepath.Join(bundleDir, id, "bundle.js")
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				Error(w, http.StatusNotImplemented, "NO_BUNDLE", "plugin does not ship a UI bundle")
				return
			}
			InternalError(w, err.Error())
			return
		}
		defer f.Close()

		w.Header().Set("Content-Type", "application/javascript")
		_, _ = io.Copy(w, f)
	}
}

func handleGetLogs(sup *supervisor.Supervisor, logs *logsink.Sink) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := ValidatePluginID(id); err != nil {
			BadRequest(w, err.Error())
			return
		}

		if _, err := sup.GetPlugin(id); err != nil {
			NotFound(w, "plugin not found")
			return
		}

		q, errs := ParseLogQuery(
			r.URL.Query().Get("page"),
			r.URL.Query().Get("page_size"),
			r.URL.Query().Get("level"),
		)
		if errs.HasErrors() {
			ValidationErrorResponse(w, errs)
			return
		}

		entries, err := logs.Read(id, q.Level, q.Page, q.PageSize)
		if err != nil {
			InternalError(w, err.Error())
			return
		}
		OK(w, entries)
	}
}

// ForwardRequest translates an inbound *http.Request into a wire.HTTPRequest
// for Supervisor.ForwardHTTP (spec.md §4.6). Body is read and buffered since
// the wire protocol frames a complete message, not a stream.
func ForwardRequest(r *http.Request) (wire.HTTPRequest, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return wire.HTTPRequest{}, err
	}
	return wire.HTTPRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Headers: map[string][]string(r.Header),
		Body:    body,
	}, nil
}

// WriteForwardedResponse writes a plugin's wire.HTTPResponse back to the
// original client.
func WriteForwardedResponse(w http.ResponseWriter, resp wire.HTTPResponse) {
	for k, vs := range resp.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}
