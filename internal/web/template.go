package web

import (
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/kioskworks/vendcore/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"payload": func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			return err.Error()
		}
		return string(b)
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta http-equiv="refresh" content="2">
<title>Vending Core</title>
<style>
body { font-family: monospace; max-width: 760px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
.busy { color: green; font-weight: bold; }
.idle { color: #888; }
.fault { color: red; font-weight: bold; }
.connected { color: green; }
.disconnected { color: red; }
</style>
</head>
<body>
<h1>Vending Core</h1>

<h2>Coin Slot</h2>
<table>
<tr><th>Inserted</th><td>{{.Machine.CoinSlot.TotalValue}}</td></tr>
<tr><th>Accepting</th><td>{{if .Machine.CoinSlot.Attached}}yes{{else}}no{{end}}</td></tr>
</table>

<h2>Hoppers</h2>
<table>
<tr><th>Name</th><th>Denomination</th><th>Status</th><th>Count</th><th>Target</th><th>Relay</th></tr>
{{range .Machine.Hoppers}}<tr><td>{{.Name}}</td><td>{{.Denomination}}</td><td class="{{if eq .Status "dispensing"}}busy{{else}}idle{{end}}">{{.Status}}</td><td>{{.Count}}</td><td>{{if .Target}}{{.Target}}{{end}}</td><td>{{if .Relay}}on{{else}}off{{end}}</td></tr>
{{end}}</table>

<h2>Change</h2>
<table>
<tr><th>Active</th><td class="{{if .Machine.Change.Active}}busy{{else}}idle{{end}}">{{if .Machine.Change.Active}}yes{{else}}no{{end}}</td></tr>
<tr><th>Amount</th><td>{{.Machine.Change.Amount}}</td></tr>
<tr><th>Dispensed</th><td>{{.Machine.Change.Dispensed}}</td></tr>
</table>

<h2>Paper Dispensers</h2>
<table>
<tr><th>Name</th><th>Status</th><th>Sheets</th><th>Paper</th><th>Steps/sheet</th></tr>
{{range .Machine.Dispensers}}<tr><td>{{.Name}}</td><td class="{{if eq .Status "error"}}fault{{else if eq .Status "idle"}}idle{{else}}busy{{end}}">{{.Status}}</td><td>{{.Current}}{{if .Total}}/{{.Total}}{{end}}</td><td>{{if .PaperPresent}}present{{else}}-{{end}}</td><td>{{.StepsPerSheet}}</td></tr>
{{end}}</table>

<h2>Connectivity</h2>
<table>
<tr><th>Host link</th><td>{{.Config.Link}}</td></tr>
{{if .Config.MQTTEnabled}}<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>{{else}}<tr><th>MQTT</th><td>disabled</td></tr>{{end}}
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>Recent Messages</h2>
<table>
<tr><th>ts</th><th>Source</th><th>Type</th><th>Data</th></tr>
{{range .Recent}}<tr><td>{{.TS}}</td><td>{{.Source}}</td><td>{{.Type}}</td><td>{{payload .Data}}</td></tr>
{{end}}</table>

<h2>System</h2>
<table>
<tr><th>Boot</th><td>{{.Machine.BootID}}</td></tr>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Poll</th><td>{{.Config.PollMs}}ms</td></tr>
<tr><th>Status interval</th><td>{{.Config.StatusIntervalMs}}ms</td></tr>
<tr><th>Messages</th><td>{{.Counts.Events}} events, {{.Counts.Errors}} errors, {{.Counts.Acks}} acks</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) error {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	return indexTmpl.Execute(w, data)
}
