// Command session-report summarizes exported TeleMetrix session files, or
// the history of a running server, as a table.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/banshee-data/telemetrix/internal/charts"
	"github.com/banshee-data/telemetrix/internal/fsutil"
	"github.com/banshee-data/telemetrix/internal/httputil"
	"github.com/banshee-data/telemetrix/internal/sessionfile"
	"github.com/banshee-data/telemetrix/internal/telemetry"
	"github.com/banshee-data/telemetrix/internal/units"
)

func main() {
	client := &http.Client{Timeout: 10 * time.Second}
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr, fsutil.OSFileSystem{}, client))
}

type reportFlags struct {
	dir    string
	server string
	plot   string
	units  string
	limit  int
}

func parseFlags(args []string, stderr io.Writer) (reportFlags, []string, error) {
	var f reportFlags
	fs := flag.NewFlagSet("session-report", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.dir, "dir", "", "Summarize every export in this directory")
	fs.StringVar(&f.server, "server", "", "Base URL of a running server; lists its session history")
	fs.StringVar(&f.plot, "plot", "", "Write a PNG plot of the single input file to this path")
	fs.StringVar(&f.units, "units", units.KMPH, "Speed units: "+units.GetValidUnitsString())
	fs.IntVar(&f.limit, "limit", 20, "Maximum history rows fetched with -server")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: session-report [flags] [session.json ...]\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return f, nil, err
	}
	if !units.IsValid(f.units) {
		return f, nil, fmt.Errorf("invalid -units %q: expected %s", f.units, units.GetValidUnitsString())
	}
	return f, fs.Args(), nil
}

func run(args []string, stdout, stderr io.Writer, fsys fsutil.FileSystem, client httputil.HTTPClient) int {
	f, files, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 2
	}

	if f.server != "" {
		if err := printServerHistory(stdout, client, f.server, f.limit); err != nil {
			fmt.Fprintf(stderr, "session-report: %v\n", err)
			return 1
		}
		return 0
	}

	if f.dir != "" {
		w := &sessionfile.Writer{Dir: f.dir, FS: fsys}
		found, err := w.List()
		if err != nil {
			fmt.Fprintf(stderr, "session-report: list %s: %v\n", f.dir, err)
			return 1
		}
		files = append(files, found...)
	}
	if len(files) == 0 {
		fmt.Fprintln(stderr, "session-report: no session files given")
		return 2
	}
	if f.plot != "" && len(files) != 1 {
		fmt.Fprintln(stderr, "session-report: -plot needs exactly one session file")
		return 2
	}

	summaries := make([]sessionfile.HistorySummary, 0, len(files))
	var sessions []telemetry.SessionSummary
	status := 0
	for _, path := range files {
		data, err := fsys.ReadFile(path)
		if err != nil {
			fmt.Fprintf(stderr, "session-report: %v\n", err)
			status = 1
			continue
		}
		s, err := sessionfile.Parse(data)
		if err != nil {
			fmt.Fprintf(stderr, "session-report: %s: %v\n", path, err)
			status = 1
			continue
		}
		summaries = append(summaries, sessionfile.Summarize(filepath.Base(path), s))
		sessions = append(sessions, s)
	}

	if len(summaries) > 0 {
		printSummaries(stdout, summaries, f.units)
	}

	if f.plot != "" && len(sessions) == 1 {
		if err := writePlot(fsys, f.plot, sessions[0], f.units); err != nil {
			fmt.Fprintf(stderr, "session-report: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "wrote %s\n", f.plot)
	}
	return status
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.Style().Format.Header = text.FormatDefault
	t.Style().Format.Footer = text.FormatDefault
	return t
}

func printSummaries(w io.Writer, rows []sessionfile.HistorySummary, unit string) {
	label := units.Label(unit)
	t := newTable(w)
	t.AppendHeader(table.Row{"File", "Start", "Duration", "Max speed (" + label + ")", "Mean speed (" + label + ")", "Max accel (m/s²)", "Points"})
	var points int
	for _, h := range rows {
		t.AppendRow(table.Row{
			h.FileName,
			h.StartTime.UTC().Format(time.RFC3339),
			h.DurationStr,
			fmt.Sprintf("%.1f", units.ConvertSpeed(h.MaxSpeed, unit)),
			fmt.Sprintf("%.1f", units.ConvertSpeed(h.MeanSpeed, unit)),
			fmt.Sprintf("%.2f", h.MaxAccel),
			h.DataPoints,
		})
		points += h.DataPoints
	}
	t.AppendFooter(table.Row{fmt.Sprintf("%d sessions", len(rows)), "", "", "", "", "", points})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
		{Number: 7, Align: text.AlignRight},
	})
	t.Render()
}

func printServerHistory(w io.Writer, client httputil.HTTPClient, server string, limit int) error {
	url := fmt.Sprintf("%s/api/history?limit=%d", strings.TrimSuffix(server, "/"), limit)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var entries []telemetry.HistoryEntry
	if err := httputil.GetJSON(ctx, client, url, &entries); err != nil {
		return err
	}

	t := newTable(w)
	t.AppendHeader(table.Row{"Started", "Length", "Grade", "Frames", "High speed", "Sharp turns", "Ended by"})
	for _, e := range entries {
		t.AppendRow(table.Row{
			e.StartedAt.UTC().Format(time.RFC3339),
			sessionfile.DurationString(e.EndedAt.Sub(e.StartedAt)),
			e.Grade,
			e.FrameCount,
			e.HighSpeedCount,
			e.SharpTurnCount,
			e.Reason,
		})
	}
	t.Render()
	return nil
}

func writePlot(fsys fsutil.FileSystem, path string, s telemetry.SessionSummary, unit string) error {
	var buf bytes.Buffer
	if err := charts.PlotSession(&buf, s, unit); err != nil {
		return err
	}
	if err := fsys.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write plot: %w", err)
	}
	return nil
}
