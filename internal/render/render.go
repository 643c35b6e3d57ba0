// Package render draws captures for a terminal: an object tree with the
// properties and methods of each interface, plus the header, section and
// side-by-side helpers the inspect command uses around it.
package render

import (
	"fmt"
	"io"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/gookit/color"
	"github.com/mattn/go-runewidth"

	"github.com/dbsmedya/dbusreplay/internal/codec"
	"github.com/dbsmedya/dbusreplay/internal/types"
)

// Style controls how the tree is drawn.
type Style struct {
	UseASCII   bool // +-- branches instead of box drawing
	Color      bool
	ValueWidth int // values wider than this are truncated, 0 disables
}

// DefaultStyle draws box-drawing branches without color.
func DefaultStyle() Style {
	return Style{ValueWidth: 60}
}

type glyphs struct {
	branch, last, pipe, blank, ellipsis string
}

var (
	unicodeGlyphs = glyphs{"├── ", "└── ", "│   ", "    ", "…"}
	asciiGlyphs   = glyphs{"+-- ", "`-- ", "|   ", "    ", "..."}
)

func (s Style) glyphs() glyphs {
	if s.UseASCII {
		return asciiGlyphs
	}
	return unicodeGlyphs
}

func (s Style) paint(c color.Color, text string) string {
	if !s.Color {
		return text
	}
	return c.Sprint(text)
}

// node is one path segment. Segments that were never captured have no
// interfaces and are drawn as plain names.
type node struct {
	name       string
	interfaces []types.InterfaceRecord
	children   []*node
	index      map[string]*node
}

func newNode(name string) *node {
	return &node{name: name, index: make(map[string]*node)}
}

func (n *node) child(name string) *node {
	if c, ok := n.index[name]; ok {
		return c
	}
	c := newNode(name)
	n.index[name] = c
	n.children = append(n.children, c)
	return c
}

// buildTree arranges records by path. Children keep the order their first
// record appeared in, which for a scan is depth-first pre-order.
func buildTree(records []types.ObjectRecord) *node {
	root := newNode("/")
	for _, rec := range records {
		n := root
		for _, seg := range splitPath(rec.Path) {
			n = n.child(seg)
		}
		n.interfaces = append(n.interfaces, rec.Interfaces...)
	}
	return root
}

func splitPath(p dbus.ObjectPath) []string {
	trimmed := strings.Trim(string(p), "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// Tree writes records as an indented object tree.
func Tree(w io.Writer, records []types.ObjectRecord, style Style) error {
	root := buildTree(records)
	fmt.Fprintln(w, style.paint(color.Green, root.name))
	if err := writeDetails(w, root, detailPrefix("", root, style.glyphs()), style); err != nil {
		return err
	}
	return writeChildren(w, root, "", style)
}

func writeChildren(w io.Writer, n *node, prefix string, style Style) error {
	g := style.glyphs()
	for i, c := range n.children {
		last := i == len(n.children)-1
		connector, next := g.branch, g.pipe
		if last {
			connector, next = g.last, g.blank
		}

		name := c.name
		if len(c.interfaces) > 0 {
			name = style.paint(color.Green, name)
		}
		fmt.Fprintf(w, "%s%s%s\n", prefix, connector, name)

		childPrefix := prefix + next
		if err := writeDetails(w, c, detailPrefix(childPrefix, c, g), style); err != nil {
			return err
		}
		if err := writeChildren(w, c, childPrefix, style); err != nil {
			return err
		}
	}
	return nil
}

// detailPrefix keeps the branch line running past the details when the
// node still has children below it.
func detailPrefix(prefix string, n *node, g glyphs) string {
	if len(n.children) > 0 {
		return prefix + g.pipe
	}
	return prefix + g.blank
}

func writeDetails(w io.Writer, n *node, prefix string, style Style) error {
	for _, iface := range n.interfaces {
		fmt.Fprintf(w, "%s%s\n", prefix, style.paint(color.Cyan, iface.Name))

		rows, err := propertyRows(iface, style)
		if err != nil {
			return err
		}
		for _, row := range rows {
			fmt.Fprintf(w, "%s  %s\n", prefix, row)
		}
		for _, m := range iface.Methods {
			fmt.Fprintf(w, "%s  %s\n", prefix, methodLine(m, style))
		}
	}
	return nil
}

// propertyRows aligns name and signature columns by display width.
func propertyRows(iface types.InterfaceRecord, style Style) ([]string, error) {
	if iface.Properties == nil || iface.Properties.Len() == 0 {
		return nil, nil
	}

	nameWidth, sigWidth := 0, 0
	iface.Properties.Each(func(name string, v types.TypedValue) {
		nameWidth = max(nameWidth, runewidth.StringWidth(name))
		sigWidth = max(sigWidth, runewidth.StringWidth(v.Signature))
	})

	var rows []string
	var encodeErr error
	iface.Properties.Each(func(name string, v types.TypedValue) {
		if encodeErr != nil {
			return
		}
		raw, err := codec.Encode(v.Signature, v.Value)
		if err != nil {
			encodeErr = fmt.Errorf("%s.%s: %w", iface.Name, name, err)
			return
		}
		value := string(raw)
		if style.ValueWidth > 0 {
			value = runewidth.Truncate(value, style.ValueWidth, style.glyphs().ellipsis)
		}
		rows = append(rows, fmt.Sprintf("%s  %s  %s",
			style.paint(color.Bold, runewidth.FillRight(name, nameWidth)),
			style.paint(color.Yellow, runewidth.FillRight(v.Signature, sigWidth)),
			value,
		))
	})
	return rows, encodeErr
}

func methodLine(m types.MethodSignature, style Style) string {
	line := fmt.Sprintf("%s(%s)", style.paint(color.Magenta, m.Name), m.InSignature)
	if m.OutSignature != "" {
		line += " -> " + m.OutSignature
	}
	return line
}

// Header writes a title between two rules as wide as the title.
func Header(w io.Writer, format string, args ...interface{}) {
	title := fmt.Sprintf(format, args...)
	rule := strings.Repeat("=", runewidth.StringWidth(title)+4)
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "  %s\n", title)
	fmt.Fprintln(w, rule)
}

// Section writes a bracketed section title with an underline.
func Section(w io.Writer, title string) {
	fmt.Fprintf(w, "[%s]\n", title)
	fmt.Fprintln(w, strings.Repeat("-", runewidth.StringWidth(title)+2))
}

// SideBySide writes left and right as two columns separated by at least
// padding spaces. Widths are display widths, so box drawing and wide
// characters line up.
func SideBySide(w io.Writer, left string, right []string, padding int) {
	leftLines := strings.Split(strings.TrimRight(left, "\n"), "\n")

	leftWidth := 0
	for _, line := range leftLines {
		leftWidth = max(leftWidth, runewidth.StringWidth(line))
	}

	rows := max(len(leftLines), len(right))
	for i := 0; i < rows; i++ {
		l, r := "", ""
		if i < len(leftLines) {
			l = leftLines[i]
		}
		if i < len(right) {
			r = right[i]
		}
		if r == "" {
			fmt.Fprintln(w, strings.TrimRight(l, " "))
			continue
		}
		fmt.Fprintf(w, "%s%s%s\n", runewidth.FillRight(l, leftWidth), strings.Repeat(" ", padding), r)
	}
}
