package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/gosuri/uitable"

	"github.com/markpippins/throttler/pkg/models"
)

var (
	dirName  = color.New(color.FgBlue, color.Bold).SprintFunc()
	linkName = color.New(color.FgCyan).SprintFunc()
	dimText  = color.New(color.Faint).SprintFunc()
)

func newTable() *uitable.Table {
	t := uitable.New()
	t.MaxColWidth = 80
	t.Separator = "  "
	return t
}

func displayName(e *models.Entry) string {
	switch {
	case e.IsDir():
		return dirName(e.Name + "/")
	case e.Symlink:
		return linkName(e.Name)
	}
	return e.Name
}

func humanSize(e *models.Entry) string {
	if e.IsDir() {
		return "-"
	}
	return humanize.IBytes(uint64(e.Size))
}

func humanTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

// printEntries writes entries one per line, or as a table when long is set.
func printEntries(w io.Writer, entries []*models.Entry, long bool) {
	if !long {
		for _, e := range entries {
			fmt.Fprintln(w, displayName(e))
		}
		return
	}

	t := newTable()
	for _, e := range entries {
		t.AddRow(e.Mode, humanSize(e), humanTime(e.ModTime), displayName(e))
	}
	fmt.Fprintln(w, t)
}

func printEntry(w io.Writer, e *models.Entry) {
	t := newTable()
	t.AddRow("Path:", e.Path)
	t.AddRow("Type:", e.Type)
	if !e.IsDir() {
		t.AddRow("Size:", fmt.Sprintf("%s (%d bytes)", humanize.IBytes(uint64(e.Size)), e.Size))
	}
	t.AddRow("Modified:", fmt.Sprintf("%s (%s)", e.ModTime.Local().Format(time.RFC3339), humanTime(e.ModTime)))
	if e.Mode != "" {
		t.AddRow("Mode:", e.Mode)
	}
	if e.MimeType != "" {
		t.AddRow("MIME:", e.MimeType)
	}
	if e.Symlink {
		t.AddRow("Symlink:", "yes")
	}
	fmt.Fprintln(w, t)
}
