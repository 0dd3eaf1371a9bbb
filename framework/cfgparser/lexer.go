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

package cfgparser

import (
	"bufio"
	"fmt"
	"io"
	"unicode"
)

type token struct {
	Text   string
	Line   int
	Quoted bool
}

// special reports whether the token is an unquoted structural token like
// '{', '}' or '\'.
func (t token) special(s string) bool {
	return !t.Quoted && t.Text == s
}

// tokenize splits the input into whitespace-delimited words.
//
// A word starting with '"' extends up to the closing quote, inside
// quoted words only '\"' is an escape sequence. Everything from an
// unquoted '#' up to the end of line is ignored. A leading byte order
// mark is skipped.
func tokenize(r io.Reader) ([]token, error) {
	rd := bufio.NewReader(r)

	var (
		tokens  []token
		val     []rune
		line    = 1
		start   int
		comment bool
		quoted  bool
		escaped bool
		first   = true
	)

	flush := func(wasQuoted bool) {
		tokens = append(tokens, token{Text: string(val), Line: start, Quoted: wasQuoted})
		val = val[:0]
	}

	for {
		ch, _, err := rd.ReadRune()
		if err != nil {
			if err != io.EOF {
				return nil, err
			}
			if quoted {
				return nil, fmt.Errorf("%d: unterminated quoted string", start)
			}
			if len(val) > 0 {
				flush(false)
			}
			return tokens, nil
		}
		if first {
			first = false
			if ch == 0xFEFF {
				continue
			}
		}

		if quoted {
			if !escaped {
				if ch == '\\' {
					escaped = true
					continue
				}
				if ch == '"' {
					quoted = false
					flush(true)
					continue
				}
			}
			if ch == '\n' {
				line++
			}
			if escaped && ch != '"' {
				val = append(val, '\\')
			}
			val = append(val, ch)
			escaped = false
			continue
		}

		if unicode.IsSpace(ch) {
			if ch == '\n' {
				line++
				comment = false
			}
			if len(val) > 0 {
				flush(false)
			}
			continue
		}

		if ch == '#' && len(val) == 0 {
			comment = true
		}
		if comment {
			continue
		}

		if len(val) == 0 {
			start = line
			if ch == '"' {
				quoted = true
				continue
			}
		}
		val = append(val, ch)
	}
}
