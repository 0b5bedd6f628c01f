package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>SyncBridge Control Surface</title>
  <style>
    :root {
      --ink: #14212b;
      --paper: #f6f8f7;
      --card: #ffffff;
      --line: #d3dcd8;
      --ok: #1f9d6a;
      --warn: #d98a1f;
      --bad: #c2483f;
      --muted: #6f7d7d;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      font-family: "Segoe UI", "Avenir Next", sans-serif;
      color: var(--ink);
      background: var(--paper);
      padding: 20px;
    }
    .shell { max-width: 1100px; margin: 0 auto; display: grid; gap: 14px; }
    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 12px;
      padding: 16px;
    }
    h1 { margin: 0; font-size: 1.4rem; }
    h2 { margin: 0 0 10px; font-size: 1rem; color: var(--muted); text-transform: uppercase; letter-spacing: 0.06em; }
    .grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(220px, 1fr)); gap: 14px; }
    .metric { font-size: 2rem; font-weight: 600; }
    .healthy { color: var(--ok); }
    .warning { color: var(--warn); }
    .critical, .offline { color: var(--bad); }
    table { width: 100%; border-collapse: collapse; font-size: 0.9rem; }
    th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid var(--line); }
    .muted { color: var(--muted); }
  </style>
</head>
<body>
  <div class="shell">
    <div class="card">
      <h1>SyncBridge</h1>
      <div class="muted">engine state: <span id="state">…</span></div>
    </div>
    <div class="grid">
      <div class="card"><h2>Health</h2><div class="metric" id="health">…</div><div class="muted" id="score"></div></div>
      <div class="card"><h2>Operations</h2><div class="metric" id="ops">…</div><div class="muted" id="opsDetail"></div></div>
      <div class="card"><h2>Conflicts</h2><div class="metric" id="conflicts">…</div></div>
      <div class="card"><h2>Active alerts</h2><div class="metric" id="alerts">…</div></div>
    </div>
    <div class="card">
      <h2>Components</h2>
      <table>
        <thead><tr><th>Component</th><th>Status</th><th>Latency</th><th>Errors</th></tr></thead>
        <tbody id="components"></tbody>
      </table>
    </div>
  </div>
  <script>
    const token = new URLSearchParams(location.search).get("token") || "";
    const headers = token ? { "Authorization": "Bearer " + token } : {};
    async function refresh() {
      try {
        const [stateRes, statusRes, statsRes, alertsRes] = await Promise.all([
          fetch("/v1/engine/state", { headers }),
          fetch("/v1/sync/status", { headers }),
          fetch("/v1/sync/stats", { headers }),
          fetch("/v1/alerts?active=true", { headers }),
        ]);
        const state = await stateRes.json();
        const status = await statusRes.json();
        const stats = await statsRes.json();
        const alerts = await alertsRes.json();
        document.getElementById("state").textContent = state.state;
        const health = document.getElementById("health");
        health.textContent = status.status;
        health.className = "metric " + status.status;
        document.getElementById("score").textContent = "score " + status.score + "/100";
        document.getElementById("ops").textContent = stats.totalOperations;
        document.getElementById("opsDetail").textContent =
          stats.successful + " ok / " + stats.failed + " failed";
        document.getElementById("conflicts").textContent = stats.conflicts;
        document.getElementById("alerts").textContent = (alerts.alerts || []).length;
        const rows = Object.entries(status.components || {}).map(([name, comp]) =>
          "<tr><td>" + name + "</td><td>" + comp.status + "</td><td>" +
          comp.latencyMs + " ms</td><td>" + comp.errorCount + "</td></tr>");
        document.getElementById("components").innerHTML = rows.join("");
      } catch (err) {
        document.getElementById("state").textContent = "unreachable";
      }
    }
    refresh();
    setInterval(refresh, 5000);
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	fmt.Fprint(w, dashboardHTML)
}
