package monitor

import (
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/gauge.report/internal/httputil"
	"github.com/banshee-data/gauge.report/internal/monitoring"
)

// attachAdminRoutes mounts the tsweb debug page with live key values and,
// when a journal is configured, a tailsql console and a backup download.
func (ws *WebServer) attachAdminRoutes() error {
	debug := tsweb.Debugger(ws.mux)

	debug.KV("Device", ws.cfg.DeviceID)
	debug.KVFunc("Frame", func() any {
		if snap := ws.cfg.Pipeline.Snapshot(); snap != nil {
			return snap.Seq
		}
		return "none"
	})
	debug.KVFunc("Movement", func() any {
		snap := ws.cfg.Pipeline.Snapshot()
		if snap == nil {
			return "-"
		}
		if snap.Moving {
			return "moving"
		}
		return "idle"
	})
	debug.KVFunc("Calibration", func() any {
		snap := ws.cfg.Pipeline.Snapshot()
		if snap == nil {
			return "-"
		}
		return fmt.Sprintf("%.3f px/%s (%s)", snap.Scale.PixelsPerUnit, snap.Scale.Unit, snap.CalibrationStatus)
	})
	if ws.cfg.Publisher != nil {
		debug.KVFunc("Publisher", func() any {
			st := ws.cfg.Publisher.Status()
			return fmt.Sprintf("%s via %s, queue %d", st.Phase, st.Transport, st.QueueDepth)
		})
	}
	debug.HandleFunc("counters", "Pipeline counters as JSON", func(w http.ResponseWriter, r *http.Request) {
		counters := map[string]int64{}
		if snap := ws.cfg.Pipeline.Snapshot(); snap != nil {
			counters = snap.Counters
		}
		httputil.WriteJSON(w, http.StatusOK, counters)
	})

	if ws.cfg.Journal == nil {
		return nil
	}

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("monitor: create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+ws.cfg.Journal.Path(), ws.cfg.Journal.DB(), &tailsql.DBOptions{
		Label: "Loss journal",
	})
	debug.Handle("tailsql/", "SQL console over the loss journal", tsql.NewMux())
	debug.Handle("backup", "Create and download a backup of the loss journal now", http.HandlerFunc(ws.handleBackup))
	return nil
}

func (ws *WebServer) handleBackup(w http.ResponseWriter, r *http.Request) {
	dir := ws.cfg.BackupDir
	if dir == "" {
		dir = os.TempDir()
	}
	name := fmt.Sprintf("journal-backup-%d.db", ws.clock.Now().Unix())
	path := filepath.Join(dir, name)
	if err := ws.cfg.Journal.Backup(r.Context(), path); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.Remove(path); err != nil {
			monitoring.Opsf("failed to remove backup file: %v", err)
		}
	}()

	f, err := os.Open(path)
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
		monitoring.Opsf("stream journal backup: %v", err)
	}
}
