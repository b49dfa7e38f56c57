// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// output is where commands write results. Tables are styled only when
// color is set, which main does for terminals.
type output struct {
	w        io.Writer
	color    bool
	renderer *lipgloss.Renderer
}

func newOutput(w io.Writer, color bool) *output {
	return &output{w: w, color: color, renderer: lipgloss.NewRenderer(w)}
}

// JSON writes value as indented JSON. Nil slices become [].
func (o *output) JSON(value any) error {
	v := reflect.ValueOf(value)
	if v.Kind() == reflect.Slice && v.IsNil() {
		value = reflect.MakeSlice(v.Type(), 0, 0).Interface()
	}
	encoder := json.NewEncoder(o.w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

// Printf writes formatted text.
func (o *output) Printf(format string, args ...any) {
	fmt.Fprintf(o.w, format, args...)
}

// table accumulates rows and renders aligned columns.
type table struct {
	headers []string
	rows    [][]string
	// highlight colors a cell by its text, for status columns.
	highlight map[int]func(string) lipgloss.Color
}

func newTable(headers ...string) *table {
	return &table{headers: headers, highlight: map[int]func(string) lipgloss.Color{}}
}

func (t *table) add(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (o *output) Table(t *table) {
	widths := make([]int, len(t.headers))
	for column, header := range t.headers {
		widths[column] = lipgloss.Width(header)
	}
	for _, row := range t.rows {
		for column, cell := range row {
			if column < len(widths) {
				widths[column] = max(widths[column], lipgloss.Width(cell))
			}
		}
	}

	headerStyle := o.renderer.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	var line strings.Builder
	for column, header := range t.headers {
		o.cell(&line, header, widths[column], column == len(t.headers)-1, headerStyle)
	}
	fmt.Fprintln(o.w, strings.TrimRight(line.String(), " "))

	for _, row := range t.rows {
		line.Reset()
		for column := range t.headers {
			cell := ""
			if column < len(row) {
				cell = row[column]
			}
			style := o.renderer.NewStyle()
			if colorOf, ok := t.highlight[column]; ok {
				style = style.Foreground(colorOf(cell))
			}
			o.cell(&line, cell, widths[column], column == len(t.headers)-1, style)
		}
		fmt.Fprintln(o.w, strings.TrimRight(line.String(), " "))
	}
}

func (o *output) cell(line *strings.Builder, text string, width int, last bool, style lipgloss.Style) {
	padding := ""
	if !last {
		padding = strings.Repeat(" ", width-lipgloss.Width(text)+2)
	}
	if o.color {
		text = style.Render(text)
	}
	line.WriteString(text)
	line.WriteString(padding)
}

func statusColor(status string) lipgloss.Color {
	switch status {
	case "online", "success", "recording", "active":
		return lipgloss.Color("10")
	case "offline", "stopped":
		return lipgloss.Color("11")
	case "error", "recording_failed", "failed":
		return lipgloss.Color("9")
	}
	return lipgloss.Color("7")
}

// since renders a timestamp as a coarse age, "-" for the zero time.
func since(now, then time.Time) string {
	if then.IsZero() {
		return "-"
	}
	age := now.Sub(then)
	switch {
	case age < time.Second:
		return "now"
	case age < time.Minute:
		return fmt.Sprintf("%ds ago", int(age.Seconds()))
	case age < time.Hour:
		return fmt.Sprintf("%dm ago", int(age.Minutes()))
	case age < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(age.Hours()))
	}
	return then.Local().Format("2006-01-02 15:04")
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for value := n / unit; value >= unit; value /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
