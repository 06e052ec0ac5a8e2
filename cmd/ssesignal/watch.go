package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/sirupsen/logrus"

	"github.com/advbet/ssesignal"
)

// printer writes signal documents as indented JSON, or as a text diff against
// the previously printed document.
type printer struct {
	out  io.Writer
	diff bool

	name *color.Color
	add  *color.Color
	del  *color.Color

	mu   sync.Mutex
	last map[string]string
}

func newPrinter(out io.Writer, diff, colored bool) *printer {
	p := &printer{
		out:  out,
		diff: diff,
		name: color.New(color.FgCyan, color.Bold),
		add:  color.New(color.FgGreen),
		del:  color.New(color.FgRed),
		last: make(map[string]string),
	}
	for _, c := range []*color.Color{p.name, p.add, p.del} {
		if colored {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

// useColor reports whether output to w should be colored. Explicit flags win
// over terminal detection.
func useColor(w io.Writer, force, disable bool) bool {
	if disable {
		return false
	}
	if force {
		return true
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (p *printer) print(name string, doc json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, doc, "", "  "); err != nil {
		return fmt.Errorf("signal %q: %w", name, err)
	}
	text := buf.String()

	p.mu.Lock()
	defer p.mu.Unlock()

	prev, seen := p.last[name]
	if seen && prev == text {
		return nil
	}
	p.last[name] = text

	var out strings.Builder
	out.WriteString(p.name.Sprint(name))
	out.WriteString(":\n")
	if p.diff && seen {
		out.WriteString(p.renderDiff(prev, text))
	} else {
		out.WriteString(text)
	}
	out.WriteString("\n")

	_, err := io.WriteString(p.out, out.String())
	return err
}

// renderDiff marks inserted text with {+ +} and deleted text with [- -],
// colored when enabled.
func (p *printer) renderDiff(prev, next string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(prev, next, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var b strings.Builder
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			b.WriteString(p.add.Sprint("{+" + d.Text + "+}"))
		case diffmatchpatch.DiffDelete:
			b.WriteString(p.del.Sprint("[-" + d.Text + "-]"))
		case diffmatchpatch.DiffEqual:
			b.WriteString(d.Text)
		}
	}
	return b.String()
}

// follow prints v every time it changes until ctx is done.
func (p *printer) follow(ctx context.Context, v *ssesignal.RemoteValue, log logrus.FieldLogger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-v.Changed():
			if err := p.print(v.Name(), v.JSON()); err != nil {
				log.WithError(err).Warn("print failed")
			}
		}
	}
}

func runWatch(ctx context.Context, url string, names []string, p *printer, log logrus.FieldLogger) error {
	client := ssesignal.NewClient(url,
		ssesignal.WithClientLogger(log),
		ssesignal.WithFullSync())

	for _, name := range names {
		v, err := client.Signal(name, nil)
		if err != nil {
			return err
		}
		go p.follow(ctx, v, log)
	}

	err := client.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
