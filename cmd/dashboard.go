package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"
	"github.com/urfave/cli/v2"
)

// dashboardCmd renders a live terminal view of the running daemon's ports
// and their TX ring occupancy, polling the /ports endpoint the HTTP facade
// exposes.
// Listed in SPEC_FULL.md §B as the home for github.com/gizak/termui/v3,
// which the teacher's go.mod carries for its own operational dashboard.
func dashboardCmd() *cli.Command {
	return &cli.Command{
		Name:  "dashboard",
		Usage: "Attach to a running channel manager and show a live stats view",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: "http://localhost:8088", Usage: "Base URL of the running daemon's HTTP facade"},
		},
		Action: func(c *cli.Context) error {
			return runDashboard(c.String("addr"))
		},
	}
}

type portStat struct {
	ID          string `json:"ID"`
	LocalDestID uint32 `json:"LocalDestID"`
	TX          struct {
		Count       int `json:"Count"`
		Capacity    int `json:"Capacity"`
		DeferredLen int `json:"DeferredLen"`
	} `json:"TX"`
}

func fetchPorts(addr string) ([]portStat, error) {
	resp, err := http.Get(addr + "/ports")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var stats []portStat
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, err
	}
	return stats, nil
}

func runDashboard(addr string) error {
	if err := ui.Init(); err != nil {
		return fmt.Errorf("dashboard: ui init: %w", err)
	}
	defer ui.Close()

	table := widgets.NewTable()
	table.Title = "Channel Manager — Ports"
	table.Rows = [][]string{{"PORT", "LOCAL DESTID", "TX COUNT/CAP", "DEFERRED"}}
	table.SetRect(0, 0, 80, 20)
	table.TextStyle = ui.NewStyle(ui.ColorWhite)
	table.RowSeparator = true

	render := func() {
		stats, err := fetchPorts(addr)
		rows := [][]string{{"PORT", "LOCAL DESTID", "TX COUNT/CAP", "DEFERRED"}}
		if err != nil {
			rows = append(rows, []string{"error", err.Error(), "", ""})
		} else {
			for _, s := range stats {
				rows = append(rows, []string{
					s.ID,
					fmt.Sprintf("0x%x", s.LocalDestID),
					fmt.Sprintf("%d/%d", s.TX.Count, s.TX.Capacity),
					fmt.Sprintf("%d", s.TX.DeferredLen),
				})
			}
		}
		table.Rows = rows
		ui.Render(table)
	}

	render()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	events := ui.PollEvents()
	for {
		select {
		case e := <-events:
			switch e.ID {
			case "q", "<C-c>":
				return nil
			}
		case <-ticker.C:
			render()
		}
	}
}
