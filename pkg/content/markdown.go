package content

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// ErrEmptyScript reports a markdown script with no statements.
var ErrEmptyScript = errors.New("script has no statements")

// Script is a parsed markdown meditation script. The level-1 heading
// names it and each list item becomes one statement. Level-2 "Left"
// and "Right" sections split the script into stereo channels; any
// other section feeds the linear statement list.
type Script struct {
	Title      string
	Statements []Statement
	Left       []Statement
	Right      []Statement
}

// Stereo reports whether the script carries channel sections.
func (s *Script) Stereo() bool {
	return len(s.Left) > 0 || len(s.Right) > 0
}

// All returns every statement in the script, linear first.
func (s *Script) All() []Statement {
	out := make([]Statement, 0, len(s.Statements)+len(s.Left)+len(s.Right))
	out = append(out, s.Statements...)
	out = append(out, s.Left...)
	out = append(out, s.Right...)
	return out
}

// IDs returns the ids of a statement slice, in order.
func IDs(statements []Statement) []string {
	ids := make([]string, len(statements))
	for i, st := range statements {
		ids[i] = st.ID
	}
	return ids
}

// ReadScript loads and parses a markdown script file. lang tags the
// statement texts.
func ReadScript(path, lang string) (*Script, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	sc, err := ParseScript(src, lang)
	if err != nil {
		return nil, fmt.Errorf("parse script %s: %w", path, err)
	}
	return sc, nil
}

// ParseScript parses markdown into a script. lang tags the statement
// texts; empty defaults to "en-US".
func ParseScript(src []byte, lang string) (*Script, error) {
	if lang == "" {
		lang = "en-US"
	}

	md := goldmark.New()
	root := md.Parser().Parse(text.NewReader(src))

	var sc Script
	section := ""
	add := func(body string) {
		st := Statement{Text: map[string]string{lang: body}}
		switch section {
		case "left":
			st.ID = fmt.Sprintf("left-%d", len(sc.Left)+1)
			st.Position = len(sc.Left) + 1
			sc.Left = append(sc.Left, st)
		case "right":
			st.ID = fmt.Sprintf("right-%d", len(sc.Right)+1)
			st.Position = len(sc.Right) + 1
			sc.Right = append(sc.Right, st)
		default:
			st.ID = fmt.Sprintf("s-%d", len(sc.Statements)+1)
			st.Position = len(sc.Statements) + 1
			sc.Statements = append(sc.Statements, st)
		}
	}

	err := ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			title := nodeText(node, src)
			switch {
			case node.Level == 1 && sc.Title == "":
				sc.Title = title
			case node.Level >= 2:
				switch strings.ToLower(title) {
				case "left":
					section = "left"
				case "right":
					section = "right"
				default:
					section = ""
				}
			}
			return ast.WalkSkipChildren, nil
		case *ast.ListItem:
			if body := listItemText(node, src); body != "" {
				add(body)
			}
			return ast.WalkContinue, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, err
	}
	if len(sc.Statements)+len(sc.Left)+len(sc.Right) == 0 {
		return nil, ErrEmptyScript
	}

	set := slugify(sc.Title)
	for _, list := range [][]Statement{sc.Statements, sc.Left, sc.Right} {
		for i := range list {
			list[i].Set = set
		}
	}
	return &sc, nil
}

// listItemText extracts an item's own text, leaving nested lists to
// the walk so their items become separate statements.
func listItemText(item ast.Node, src []byte) string {
	var parts []string
	for c := item.FirstChild(); c != nil; c = c.NextSibling() {
		if _, nested := c.(*ast.List); nested {
			continue
		}
		if t := nodeText(c, src); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

func nodeText(n ast.Node, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if t, ok := c.(*ast.Text); ok {
			b.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteByte(' ')
			}
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}

// slugify turns a title into a set name: lowercase, alphanumerics and
// single dashes.
func slugify(title string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(title)) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if out == "" {
		return "script"
	}
	return out
}
