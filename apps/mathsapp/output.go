package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
)

type printer struct {
	out    io.Writer
	errOut io.Writer
}

func (p printer) success(format string, args ...interface{}) {
	_, _ = color.New(color.FgGreen).Fprintf(p.out, format+"\n", args...)
}

func (p printer) info(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(p.out, format+"\n", args...)
}

func (p printer) warn(format string, args ...interface{}) {
	_, _ = color.New(color.FgYellow).Fprintf(p.errOut, format+"\n", args...)
}

func (p printer) fail(format string, args ...interface{}) {
	_, _ = color.New(color.FgRed, color.Bold).Fprintf(p.errOut, format+"\n", args...)
}

func (p printer) table(header []string, rows [][]string) error {
	table := tablewriter.NewTable(p.out,
		tablewriter.WithConfig(tablewriter.Config{
			Row: tw.CellConfig{
				Formatting: tw.CellFormatting{AutoWrap: tw.WrapNone},
				Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
			},
			Header: tw.CellConfig{
				Formatting: tw.CellFormatting{AutoFormat: tw.On},
				Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
			},
		}),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Separators: tw.Separators{ShowHeader: tw.Off},
			},
		}),
	)
	table.Header(header)
	if err := table.Bulk(rows); err != nil {
		return err
	}
	return table.Render()
}
