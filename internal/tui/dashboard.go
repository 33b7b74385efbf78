// Package tui implements the `hub top` operator dashboard: a terminal UI
// that polls a running hub's GET /metrics endpoint and renders connected
// session count and displacement trend, refreshing on an interval.
//
// Grounded on gizak/termui/v3's own documented widget set
// (widgets.Paragraph, widgets.Plot, widgets.List) and its
// Init/Render/PollEvents event loop idiom. Nothing in the retrieval pack
// actually builds a termui dashboard — the teacher's own go.mod carries
// the dependency with no caller anywhere in the pack, the same
// "declared, never exercised" gap already noted for the otel SDK under
// internal/metrics — so this package gives termui its first real caller
// in this tree rather than leaving it as a dead import.
package tui

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"
)

// Stats is the subset of the hub's Prometheus text exposition this
// dashboard understands. It mirrors httphandler's Stats-derived gauges
// exactly (internal/handler/http/metrics.go), not the full exposition
// format: unrecognized metric names are ignored rather than rejected, so
// this dashboard keeps working if the hub adds a gauge it doesn't chart.
type Stats struct {
	ConnectedSessions int64
	Displacements     int64
}

func fetchStats(ctx context.Context, client *http.Client, url string) (Stats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Stats{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return Stats{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Stats{}, fmt.Errorf("GET %s: %s", url, resp.Status)
	}

	var st Stats
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		v, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "syncmesh_hub_connected_sessions":
			st.ConnectedSessions = v
		case "syncmesh_hub_displacements_total":
			st.Displacements = v
		}
	}
	if err := sc.Err(); err != nil {
		return Stats{}, err
	}
	return st, nil
}

const historyLen = 50

// Run polls metricsURL every interval and renders the dashboard until ctx
// is cancelled or the user presses q/Ctrl-C.
func Run(ctx context.Context, metricsURL string, interval time.Duration) error {
	if err := ui.Init(); err != nil {
		return fmt.Errorf("init terminal: %w", err)
	}
	defer ui.Close()

	header := widgets.NewParagraph()
	header.Title = "syncmesh hub top"
	header.SetRect(0, 0, 70, 5)

	sessions := widgets.NewPlot()
	sessions.Title = "Connected sessions"
	sessions.SetRect(0, 5, 70, 18)
	sessions.AxesColor = ui.ColorWhite
	sessions.LineColors[0] = ui.ColorGreen
	sessions.Data = [][]float64{{0, 0}}

	log := widgets.NewList()
	log.Title = "Poll log"
	log.SetRect(0, 18, 70, 28)
	log.TextStyle = ui.NewStyle(ui.ColorYellow)

	var sessionHistory []float64
	var logLines []string

	render := func(st Stats, pollErr error) {
		status := "ok"
		if pollErr != nil {
			status = pollErr.Error()
		}
		header.Text = fmt.Sprintf("url: %s\ninterval: %s\ndisplacements: %d\nstatus: %s",
			metricsURL, interval, st.Displacements, status)

		sessionHistory = append(sessionHistory, float64(st.ConnectedSessions))
		if len(sessionHistory) > historyLen {
			sessionHistory = sessionHistory[len(sessionHistory)-historyLen:]
		}
		if len(sessionHistory) >= 2 {
			sessions.Data = [][]float64{sessionHistory}
		}

		entry := fmt.Sprintf("[%s] sessions=%d displacements=%d", time.Now().Format("15:04:05"), st.ConnectedSessions, st.Displacements)
		if pollErr != nil {
			entry = fmt.Sprintf("[%s] poll failed: %v", time.Now().Format("15:04:05"), pollErr)
		}
		logLines = append(logLines, entry)
		if len(logLines) > 8 {
			logLines = logLines[len(logLines)-8:]
		}
		log.Rows = logLines

		ui.Render(header, sessions, log)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	st, err := fetchStats(ctx, client, metricsURL)
	render(st, err)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	events := ui.PollEvents()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-events:
			switch e.ID {
			case "q", "<C-c>":
				return nil
			}
		case <-ticker.C:
			st, err := fetchStats(ctx, client, metricsURL)
			render(st, err)
		}
	}
}
