package ui

import (
	"context"
	"fmt"
	"html"
	"io"
	"strings"

	"github.com/a-h/templ"

	"s3probe/internal/catalog"
	"s3probe/internal/rules"
)

// Column is one target and test type combination of the matrix.
type Column struct {
	Target   string
	TestType string
}

// Row is the disposition of one case under every column.
type Row struct {
	Case  catalog.Case
	Cells []rules.Disposition
}

// Matrix shows which cases run where.
type Matrix struct {
	Columns []Column
	Rows    []Row
	// Tags is the filter the rows were selected with.
	Tags []rules.Tag
}

// BuildMatrix evaluates every case selected by tags for each target under
// each test type.
func BuildMatrix(targets, testTypes []string, tags []rules.Tag) Matrix {
	m := Matrix{Tags: tags}
	for _, testType := range testTypes {
		for _, target := range targets {
			m.Columns = append(m.Columns, Column{Target: target, TestType: testType})
		}
	}

	for _, c := range catalog.Select(rules.Env{Tags: tags}) {
		row := Row{Case: c, Cells: make([]rules.Disposition, 0, len(m.Columns))}
		for _, col := range m.Columns {
			env := rules.Env{TestType: col.TestType, Targets: []string{col.Target}}
			row.Cells = append(row.Cells, rules.Evaluate(env, c.Rules...))
		}
		m.Rows = append(m.Rows, row)
	}
	return m
}

// Counts returns how many cases run in each column.
func (m Matrix) Counts() []int {
	counts := make([]int, len(m.Columns))
	for _, row := range m.Rows {
		for i, d := range row.Cells {
			if d == rules.Run {
				counts[i]++
			}
		}
	}
	return counts
}

// pageWriter keeps the first write error so templates read top to bottom.
type pageWriter struct {
	w   io.Writer
	err error
}

func (p *pageWriter) raw(s string) {
	if p.err == nil {
		_, p.err = io.WriteString(p.w, s)
	}
}

func (p *pageWriter) rawf(format string, args ...any) {
	if p.err == nil {
		_, p.err = fmt.Fprintf(p.w, format, args...)
	}
}

func (p *pageWriter) text(s string) {
	p.raw(html.EscapeString(s))
}

// Layout renders a full HTML page with a title and body component.
func Layout(title string, body templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		p := &pageWriter{w: w}
		p.raw(`<!DOCTYPE html><html lang="en"><head><meta charset="utf-8">`)
		p.raw(`<meta name="viewport" content="width=device-width, initial-scale=1">`)
		p.raw("<title>")
		p.text(title)
		p.raw("</title>")
		p.raw(`<link rel="stylesheet" href="https://unpkg.com/@picocss/pico@2/css/pico.min.css">`)
		p.raw(`<script src="https://unpkg.com/htmx.org@1.9.12" integrity="sha384-srD8tA5lZgUlAXb/DvBy1UG775H8sG8vyXK3w63U1zrtRXkuTDIaTzGvX2UksI0M" crossorigin="anonymous"></script>`)
		p.raw(`<style>td.run{color:var(--pico-ins-color)}td.skip{color:var(--pico-muted-color)}td.known{color:var(--pico-del-color)}</style>`)
		p.raw(`</head><body hx-boost="true"><main class="container-fluid">`)
		if p.err != nil {
			return p.err
		}

		if err := body.Render(ctx, w); err != nil {
			return err
		}

		p.raw("</main></body></html>")
		return p.err
	})
}

func cellClass(d rules.Disposition) string {
	switch d {
	case rules.Run:
		return "run"
	case rules.SkipKnownIssue:
		return "known"
	default:
		return "skip"
	}
}

func tagList(tags []rules.Tag) string {
	s := make([]string, 0, len(tags))
	for _, t := range tags {
		s = append(s, string(t))
	}
	return strings.Join(s, ", ")
}

// MatrixPage renders the applicability matrix with a tag filter form.
func MatrixPage(m Matrix) templ.Component {
	return Layout("s3probe - applicability", templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		p := &pageWriter{w: w}
		p.raw("<section><header><h1>Applicability matrix</h1>")
		p.raw(`<form method="get" action="/"><input type="text" name="tags" placeholder="tags, comma separated" value="`)
		p.text(tagList(m.Tags))
		p.raw(`"></form></header>`)

		if len(m.Rows) == 0 {
			p.raw("<p>No cases selected.</p></section>")
			return p.err
		}

		p.raw("<figure><table><thead><tr><th>Case</th><th>Tags</th>")
		for _, col := range m.Columns {
			p.raw("<th>")
			p.text(col.Target)
			p.raw("<br><small>")
			p.text(col.TestType)
			p.raw("</small></th>")
		}
		p.raw("</tr></thead><tbody>")

		for _, row := range m.Rows {
			p.raw(`<tr><td><span data-tooltip="`)
			p.text(row.Case.Description)
			p.raw(`">`)
			p.text(row.Case.Name)
			p.raw("</span></td><td>")
			p.text(tagList(row.Case.Tags))
			p.raw("</td>")
			for _, d := range row.Cells {
				p.rawf(`<td class="%s">%s</td>`, cellClass(d), html.EscapeString(d.String()))
			}
			p.raw("</tr>")
		}

		p.raw("</tbody><tfoot><tr><th>Runnable</th><th></th>")
		for _, n := range m.Counts() {
			p.rawf("<th>%d / %d</th>", n, len(m.Rows))
		}
		p.raw("</tr></tfoot></table></figure></section>")
		return p.err
	}))
}
