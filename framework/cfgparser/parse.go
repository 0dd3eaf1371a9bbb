/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package cfgparser reads the block-structured configuration format.
//
//	name arg0 arg1 {
//	    child arg
//	}
//
// Directives end at the line end unless it is escaped with a trailing
// '\'. Top-level blocks named like (name) declare snippets which can be
// inserted using 'import name'. 'import path' also inserts the contents
// of another file. {env:VAR} is replaced with the value of the
// environment variable.
package cfgparser

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/foxcpp/spoold/framework/config"
)

const maxNesting = 255

type parser struct {
	tokens []token
	pos    int

	location string
	snippets map[string][]config.Node
}

func (p *parser) errAt(line int, f string, args ...interface{}) error {
	return fmt.Errorf("%s:%d: %s", p.location, line, fmt.Sprintf(f, args...))
}

func validateNodeName(s string) error {
	if len(s) == 0 {
		return errors.New("empty directive name")
	}
	if unicode.IsDigit([]rune(s)[0]) {
		return errors.New("directive name cannot start with a digit")
	}
	for i, ch := range s {
		// '&' starts instance references used as directives in stage
		// blocks.
		if i == 0 && ch == '&' {
			continue
		}
		if !unicode.IsLetter(ch) && !unicode.IsDigit(ch) && ch != '.' && ch != '-' && ch != '_' {
			return errors.New("character not allowed in directive name: " + string(ch))
		}
	}
	return nil
}

// readBlock reads nodes until the closing brace (if nesting > 0) or EOF
// (at the top level). The closing brace is consumed.
func (p *parser) readBlock(nesting int, openLine int) ([]config.Node, error) {
	if nesting > maxNesting {
		return nil, p.errAt(openLine, "nesting limit reached")
	}

	res := []config.Node{}
	for {
		if p.pos >= len(p.tokens) {
			if nesting != 0 {
				return nil, p.errAt(openLine, "unexpected EOF when looking for }")
			}
			return res, nil
		}

		tok := p.tokens[p.pos]
		if tok.special("}") {
			if nesting == 0 {
				return nil, p.errAt(tok.Line, "unexpected }")
			}
			p.pos++
			return res, nil
		}

		node, err := p.readNode(nesting)
		if err != nil {
			return nil, err
		}
		res = append(res, node)
	}
}

// readNode reads a single directive starting at the current token.
func (p *parser) readNode(nesting int) (config.Node, error) {
	head := p.tokens[p.pos]
	p.pos++

	if head.special("{") {
		return config.Node{}, p.errAt(head.Line, "block without a header")
	}

	node := config.Node{
		Name: head.Text,
		Args: []string{},
		File: p.location,
		Line: head.Line,
	}

	curLine := head.Line
	for p.pos < len(p.tokens) {
		tok := p.tokens[p.pos]
		if tok.Line != curLine {
			break
		}

		switch {
		case tok.special("\\"):
			p.pos++
			if p.pos < len(p.tokens) {
				curLine = p.tokens[p.pos].Line
			}
			continue
		case tok.special("}"):
			// Closing brace of the enclosing block on the same line,
			// readBlock handles it.
			return node, p.finishNode(&node)
		case tok.special("{"):
			p.pos++
			children, err := p.readBlock(nesting+1, tok.Line)
			if err != nil {
				return node, err
			}
			node.Children = children
			return node, p.finishNode(&node)
		}

		node.Args = append(node.Args, tok.Text)
		p.pos++
	}

	return node, p.finishNode(&node)
}

func (p *parser) finishNode(node *config.Node) error {
	if strings.HasPrefix(node.Name, "(") && strings.HasSuffix(node.Name, ")") {
		return nil
	}
	if err := validateNodeName(node.Name); err != nil {
		return config.NodeErr(*node, "%v", err)
	}
	return nil
}

// collectSnippets removes top-level snippet declarations from nodes.
func (p *parser) collectSnippets(nodes []config.Node) ([]config.Node, error) {
	res := make([]config.Node, 0, len(nodes))
	for _, node := range nodes {
		if !strings.HasPrefix(node.Name, "(") || !strings.HasSuffix(node.Name, ")") {
			res = append(res, node)
			continue
		}
		if len(node.Args) != 0 {
			return nil, config.NodeErr(node, "snippet declarations can't have arguments")
		}
		if node.Children == nil {
			return nil, config.NodeErr(node, "snippet declaration requires a block")
		}
		p.snippets[node.Name[1:len(node.Name)-1]] = node.Children
	}
	return res, nil
}

func (p *parser) expandImports(nodes []config.Node, depth int) ([]config.Node, error) {
	if nodes == nil {
		return nil, nil
	}

	res := make([]config.Node, 0, len(nodes))
	for _, node := range nodes {
		if strings.HasPrefix(node.Name, "(") {
			return nil, config.NodeErr(node, "snippet declarations are only allowed at top-level")
		}

		if node.Name != "import" {
			children, err := p.expandImports(node.Children, depth)
			if err != nil {
				return nil, err
			}
			node.Children = children
			res = append(res, node)
			continue
		}

		if depth > maxNesting {
			return nil, config.NodeErr(node, "hit import expansion limit")
		}
		if len(node.Args) != 1 {
			return nil, config.NodeErr(node, "import directive requires exactly 1 argument")
		}

		subtree, err := p.resolveImport(node, node.Args[0], depth)
		if err != nil {
			return nil, err
		}
		subtree, err = p.expandImports(subtree, depth+1)
		if err != nil {
			return nil, err
		}
		res = append(res, subtree...)
	}
	return res, nil
}

func (p *parser) resolveImport(node config.Node, name string, depth int) ([]config.Node, error) {
	if subtree, ok := p.snippets[name]; ok {
		return subtree, nil
	}

	file := name
	if !filepath.IsAbs(name) {
		file = filepath.Join(filepath.Dir(p.location), name)
	}
	src, err := os.Open(file)
	if os.IsNotExist(err) {
		src, err = os.Open(file + ".conf")
	}
	if err != nil {
		if os.IsNotExist(err) {
			return nil, config.NodeErr(node, "unknown import: %s", name)
		}
		return nil, err
	}
	defer src.Close()

	sub := &parser{location: file, snippets: p.snippets}
	return sub.read(src, depth+1)
}

func (p *parser) read(r io.Reader, depth int) ([]config.Node, error) {
	tokens, err := tokenize(r)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", p.location, err)
	}
	p.tokens = tokens
	p.pos = 0

	nodes, err := p.readBlock(0, 1)
	if err != nil {
		return nil, err
	}
	nodes, err = p.collectSnippets(nodes)
	if err != nil {
		return nil, err
	}
	return p.expandImports(nodes, depth)
}

// Read parses the configuration from r. location is used in error
// messages and to resolve relative imports.
func Read(r io.Reader, location string) ([]config.Node, error) {
	p := &parser{
		location: location,
		snippets: make(map[string][]config.Node),
	}
	nodes, err := p.read(r, 0)
	if err != nil {
		return nil, err
	}
	return expandEnvironment(nodes, os.LookupEnv), nil
}
