package web

// layoutTemplate — базовый layout с навигацией; страница выбирается по .Page.
const layoutTemplate = `{{define "layout"}}
<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Title}} - Telegram Relay</title>
    <style>
        body { font-family: sans-serif; margin: 0; background: #f7f7f8; color: #1f2328; }
        nav { background: #fff; border-bottom: 1px solid #d8dee4; padding: 0 24px; display: flex; gap: 16px; height: 48px; align-items: center; }
        nav .brand { font-weight: 700; color: #1a56db; }
        nav a { color: #374151; text-decoration: none; padding: 6px 10px; border-radius: 6px; }
        nav a.active { background: #e1effe; color: #1a56db; }
        main { max-width: 1100px; margin: 24px auto; padding: 0 24px; }
        table { border-collapse: collapse; width: 100%; background: #fff; }
        th, td { border: 1px solid #d8dee4; padding: 6px 10px; text-align: left; font-size: 14px; }
        th { background: #f3f4f6; }
        .cards { display: flex; gap: 16px; flex-wrap: wrap; }
        .card { background: #fff; border: 1px solid #d8dee4; border-radius: 8px; padding: 16px 24px; min-width: 160px; }
        .card b { display: block; font-size: 24px; }
    </style>
</head>
<body>
    <nav>
        <span class="brand">Telegram Relay</span>
        <a href="/" {{if eq .Page "dashboard"}}class="active"{{end}}>Dashboard</a>
        <a href="/sessions" {{if eq .Page "sessions"}}class="active"{{end}}>Sessions</a>
        <a href="/turns" {{if eq .Page "turns"}}class="active"{{end}}>Turns</a>
    </nav>
    <main>
        {{if eq .Page "dashboard"}}{{template "dashboard" .Data}}{{end}}
        {{if eq .Page "sessions"}}{{template "sessions" .Data}}{{end}}
        {{if eq .Page "turns"}}{{template "turns" .Data}}{{end}}
    </main>
</body>
</html>
{{end}}`

// dashboardTemplate — карточки текущей загрузки воркера.
const dashboardTemplate = `{{define "dashboard"}}
<h1>Worker load</h1>
<div class="cards">
    <div class="card"><b>{{.Stats.Topics}}</b>live topics</div>
    <div class="card"><b>{{.Stats.PendingTasks}}</b>queued tasks</div>
    <div class="card"><b>{{.Stats.FreePermits}}</b>free permits</div>
    <div class="card"><b>{{.Stats.WaitingTurns}}</b>waiting turns</div>
    <div class="card"><b>{{.Stats.CachedSession}}</b>cached sessions</div>
</div>
<p>Build: {{.Version}}</p>
{{end}}`

// sessionsTemplate — таблица персистентных сессий.
const sessionsTemplate = `{{define "sessions"}}
<h1>Persisted sessions</h1>
{{if not .}}<p>No sessions persisted yet.</p>{{else}}
<table>
    <tr><th>Session key</th><th>Provider session</th><th>Status</th><th>Last used</th></tr>
    {{range .}}<tr><td>{{.Key}}</td><td>{{.SessionID}}</td><td>{{.Status}}</td><td>{{.LastUsedAt}}</td></tr>
    {{end}}
</table>
{{end}}
{{end}}`

// turnsTemplate — таблица последних записей журнала ходов.
const turnsTemplate = `{{define "turns"}}
<h1>Recent turn events</h1>
{{if not .}}<p>Turn log is empty.</p>{{else}}
<table>
    <tr><th>At</th><th>Kind</th><th>Turn</th><th>Session key</th><th>Payload</th></tr>
    {{range .}}<tr><td>{{.At}}</td><td>{{.Kind}}</td><td>{{.TurnID}}</td><td>{{.SessionKey}}</td><td><code>{{.Payload}}</code></td></tr>
    {{end}}
</table>
{{end}}
{{end}}`
