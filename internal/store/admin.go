package store

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/motionview/internal/httputil"
	"github.com/banshee-data/motionview/internal/monitoring"
)

// AttachAdminRoutes mounts the store pages on debug.
func (s *Store) AttachAdminRoutes(debug *tsweb.DebugHandler) error {
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(s.path), s.DB, &tailsql.DBOptions{
		Label: "Playback sessions",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("sessions", "Recent playback sessions (JSON)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if id := r.URL.Query().Get("id"); id != "" {
			sess, err := s.GetSession(id)
			if errors.Is(err, ErrNotFound) {
				httputil.WriteJSONError(w, http.StatusNotFound, err.Error())
				return
			} else if err != nil {
				httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
				return
			}
			exports, err := s.ListExports(id)
			if err != nil {
				httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
				return
			}
			httputil.WriteJSONOK(w, map[string]any{"session": sess, "exports": exports})
			return
		}
		sessions, err := s.ListSessions(limit)
		if err != nil {
			httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		httputil.WriteJSONOK(w, sessions)
	}))

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(s.serveBackup))
	return nil
}

func (s *Store) serveBackup(w http.ResponseWriter, r *http.Request) {
	name := fmt.Sprintf("backup-%d.db", time.Now().UnixNano())
	backupPath := filepath.Join(filepath.Dir(s.path), name)
	if _, err := s.Exec("VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.Remove(backupPath); err != nil {
			monitoring.Logf("[Store] failed to remove backup file: %v", err)
		}
	}()

	f, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", name))
	w.Header().Set("Content-Type", "application/gzip")
	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, f); err != nil {
		monitoring.Logf("[Store] backup copy failed: %v", err)
	}
}
