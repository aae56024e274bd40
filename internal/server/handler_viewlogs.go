package server

import (
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"github.com/nixpig/taskworker/internal/taskmanager"
)

var viewLogsTemplate = template.Must(template.New("view-logs").Parse(`<!DOCTYPE html>
<html>
<head>
	<meta charset="utf-8">
	<title>Live Logs - {{.TaskID}}</title>
	<style>
		body { font-family: monospace; background: #111; color: #0f0; padding: 20px; }
		#logs { white-space: pre-wrap; border: 1px solid #333; padding: 10px; background: #000; height: 80vh; overflow-y: scroll; }
	</style>
</head>
<body>
	<h2>📜 Live Logs for Task ID: {{.TaskID}}</h2>
	<div id="logs">⏳ Connecting...</div>
	<script>
		const logBox = document.getElementById("logs");
		const es = new EventSource({{.StreamURL}});
		es.onmessage = (e) => {
			logBox.textContent += "\n" + e.data;
			logBox.scrollTop = logBox.scrollHeight;
		};
		es.onerror = () => {
			logBox.textContent += "\n❌ Connection lost. Retrying...";
		};
	</script>
</body>
</html>
`))

type viewLogsData struct {
	TaskID    string
	StreamURL string
}

func viewLogsURL(id string) string {
	return "/view-logs?" + queryLogsTaskID + "=" + url.QueryEscape(id)
}

// handleViewLogs serves a page that follows a task's log stream in the
// browser.
// GET /view-logs?task_id=
func (s *Server) handleViewLogs(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get(queryLogsTaskID))
	if id == "" {
		respondText(w, http.StatusBadRequest, "❌ task_id missing.")
		return
	}

	if !taskmanager.ValidTaskID(id) {
		s.respondError(w, r, "view logs", taskmanager.ValidationError{
			Field:  queryLogsTaskID,
			Reason: "malformed task id",
		})
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if err := viewLogsTemplate.Execute(w, viewLogsData{
		TaskID:    id,
		StreamURL: "/logs?" + queryLogsTaskID + "=" + url.QueryEscape(id),
	}); err != nil {
		s.logger.Warn("render view logs", "task_id", id, "err", err)
	}
}
