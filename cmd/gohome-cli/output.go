package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// printer writes command results either as indented JSON or as text for a
// terminal.
type printer struct {
	w    io.Writer
	json bool
}

func (p printer) value(v any) {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal("format json", err)
	}
}

// table prints rows under an upper-cased header. Empty cells print as "-".
func (p printer) table(header []string, rows [][]string) {
	tw := tabwriter.NewWriter(p.w, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.ToUpper(strings.Join(header, "\t")))
	for _, row := range rows {
		cells := make([]string, len(header))
		for i := range cells {
			cells[i] = "-"
			if i < len(row) && row[i] != "" {
				cells[i] = row[i]
			}
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	_ = tw.Flush()
}

// fields prints "label: value" lines with aligned values, skipping empty
// values.
func (p printer) fields(pairs ...[2]string) {
	tw := tabwriter.NewWriter(p.w, 0, 4, 1, ' ', 0)
	for _, kv := range pairs {
		if kv[1] == "" {
			continue
		}
		fmt.Fprintf(tw, "%s:\t%s\n", kv[0], kv[1])
	}
	_ = tw.Flush()
}

func (p printer) ok(message string) {
	if p.json {
		p.value(map[string]any{"status": "ok"})
		return
	}
	fmt.Fprintln(p.w, "ok: "+message)
}
