// arenactl is the admin command line for a running trade arena.
//
// Usage:
//
//	arenactl [-addr http://localhost:8080] [-token TOKEN] <command>
//
// Commands:
//
//	start        start a contest
//	stop         stop the contest and run cleanup
//	pause        pause the replay
//	resume       resume a paused replay
//	reset-data   wipe trades, shorts and portfolios between contests
//	state        show the contest record
//	leaderboard  show the current ranking
//	health       ping the server
//
// The admin bearer token can also come from ARENA_ADMIN_TOKEN.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"

	"tradearena/pkg/types"
)

func main() {
	_ = godotenv.Load()

	addr := flag.String("addr", "http://localhost:8080", "arena API base URL")
	token := flag.String("token", os.Getenv("ARENA_ADMIN_TOKEN"), "admin bearer token")
	flag.Usage = usage
	flag.Parse()

	cmd := flag.Arg(0)
	if cmd == "" {
		usage()
		os.Exit(2)
	}

	client := resty.New().
		SetBaseURL(*addr).
		SetTimeout(30 * time.Second)
	if *token != "" {
		client.SetAuthToken(*token)
	}
	c := &ctl{client: client}

	var err error
	switch cmd {
	case "start":
		err = c.action("/admin/contest/start")
	case "stop":
		err = c.stop()
	case "pause":
		err = c.action("/admin/contest/pause")
	case "resume":
		err = c.action("/admin/contest/resume")
	case "reset-data":
		err = c.resetData()
	case "state":
		err = c.state()
	case "leaderboard":
		err = c.leaderboard()
	case "health":
		err = c.health()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: arenactl [flags] <command>

commands:
  start        start a contest
  stop         stop the contest and run cleanup
  pause        pause the replay
  resume       resume a paused replay
  reset-data   wipe trades, shorts and portfolios between contests
  state        show the contest record
  leaderboard  show the current ranking
  health       ping the server

flags:
`)
	flag.PrintDefaults()
}

type ctl struct {
	client *resty.Client
}

// do executes one request and maps error bodies onto a Go error, so every
// command exits non-zero on an API failure.
func (c *ctl) do(method, path string, out any) error {
	var apiErr struct {
		Error string `json:"error"`
	}
	req := c.client.R().SetError(&apiErr)
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		if apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status(), apiErr.Error)
		}
		return fmt.Errorf("%s", resp.Status())
	}
	return nil
}

func (c *ctl) action(path string) error {
	var body struct {
		Success   bool   `json:"success"`
		Message   string `json:"message"`
		ContestID string `json:"contest_id"`
	}
	if err := c.do(http.MethodPost, path, &body); err != nil {
		return err
	}
	if body.ContestID != "" {
		fmt.Printf("%s (contest %s)\n", body.Message, body.ContestID)
	} else {
		fmt.Println(body.Message)
	}
	return nil
}

func (c *ctl) stop() error {
	var body struct {
		Success bool                 `json:"success"`
		Cleanup types.CleanupSummary `json:"cleanup"`
	}
	if err := c.do(http.MethodPost, "/admin/contest/stop", &body); err != nil {
		return err
	}
	s := body.Cleanup
	fmt.Printf("contest %s stopped\n", s.ContestID)
	fmt.Printf("  squared off:      %d shorts\n", s.SquaredOff)
	fmt.Printf("  trades deleted:   %d\n", s.TradesDeleted)
	fmt.Printf("  shorts deleted:   %d\n", s.ShortsDeleted)
	fmt.Printf("  portfolios reset: %d\n", s.PortfoliosReset)
	for _, e := range s.Errors {
		fmt.Printf("  cleanup error: %s\n", e)
	}
	return nil
}

func (c *ctl) resetData() error {
	var body struct {
		Success bool `json:"success"`
		Details struct {
			TradesDeleted   int64 `json:"trades_deleted"`
			ShortsDeleted   int64 `json:"shorts_deleted"`
			PortfoliosReset int64 `json:"portfolios_reset"`
		} `json:"details"`
	}
	if err := c.do(http.MethodPost, "/admin/contest/reset-data", &body); err != nil {
		return err
	}
	d := body.Details
	fmt.Printf("data reset: %d trades, %d shorts deleted, %d portfolios reseeded\n",
		d.TradesDeleted, d.ShortsDeleted, d.PortfoliosReset)
	return nil
}

func (c *ctl) state() error {
	var st struct {
		types.ContestState
		Progress        float64 `json:"progress"`
		DurationSeconds float64 `json:"duration_seconds"`
	}
	if err := c.do(http.MethodGet, "/contest/state", &st); err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Append("status", string(st.Status))
	if st.ID != "" {
		table.Append("contest id", st.ID)
	}
	if !st.StartedAt.IsZero() {
		table.Append("started at", st.StartedAt.UTC().Format(time.RFC3339))
		table.Append("duration", (time.Duration(st.DurationSeconds) * time.Second).String())
		table.Append("progress", fmt.Sprintf("%.1f%%", st.Progress*100))
	}
	if len(st.Symbols) > 0 {
		table.Append("symbols", strconv.Itoa(len(st.Symbols)))
	}
	if st.DataStartMs > 0 {
		table.Append("data start", fmtMs(st.DataStartMs))
		table.Append("data end", fmtMs(st.DataEndMs))
		table.Append("compression", fmt.Sprintf("%.2fx", st.CompressionRatio))
	}
	table.Render()
	return nil
}

func (c *ctl) leaderboard() error {
	var entries []types.LeaderboardEntry
	if err := c.do(http.MethodGet, "/leaderboard", &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("leaderboard is empty")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Rank", "Name", "Email", "Wealth", "PnL", "Return")
	for _, e := range entries {
		table.Append(
			strconv.Itoa(e.Rank),
			e.UserName,
			e.UserEmail,
			money(e.TotalWealth),
			money(e.TotalPnL),
			fmt.Sprintf("%+.2f%%", e.ReturnPercent),
		)
	}
	table.Render()
	return nil
}

func (c *ctl) health() error {
	var body struct {
		Status           string `json:"status"`
		ContestState     string `json:"contest_state"`
		Symbols          int    `json:"symbols"`
		UptimeSeconds    int64  `json:"uptime_seconds"`
		ConnectedClients int64  `json:"connected_clients"`
	}
	if err := c.do(http.MethodGet, "/health", &body); err != nil {
		return err
	}
	fmt.Printf("status: %s\ncontest: %s\nsymbols: %d\nclients: %d\nuptime: %s\n",
		body.Status, body.ContestState, body.Symbols, body.ConnectedClients,
		(time.Duration(body.UptimeSeconds) * time.Second).String())
	return nil
}

func money(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func fmtMs(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04:05")
}
