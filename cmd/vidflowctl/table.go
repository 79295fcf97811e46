package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"vidflow/internal/jobs"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i, h := range headers {
		header[i] = h
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := range columns {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := range columns {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(configs)

	return tw.Render() + "\n"
}

func queueDepthRows(depths map[string]int) [][]string {
	rows := make([][]string, 0, len(jobs.Queues))
	for _, q := range jobs.Queues {
		rows = append(rows, []string{q, strconv.Itoa(depths[q])})
	}
	return rows
}

func jobListRows(items []jobs.Job) [][]string {
	rows := make([][]string, 0, len(items))
	for _, j := range items {
		rows = append(rows, []string{
			j.ID,
			j.VideoID,
			j.QueueName,
			string(j.Status),
			fmt.Sprintf("%d%%", j.OverallProgress),
			strconv.Itoa(j.RetryCount),
			j.CreatedAt.Format(time.RFC3339),
		})
	}
	return rows
}
