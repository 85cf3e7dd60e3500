// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package xid

import "strings"

// XEP-0106 escape table. Backslash is always escaped so the mapping is
// exactly invertible.
var escapes = map[byte]string{
	' ':  `\20`,
	'"':  `\22`,
	'&':  `\26`,
	'\'': `\27`,
	'/':  `\2f`,
	':':  `\3a`,
	'<':  `\3c`,
	'>':  `\3e`,
	'@':  `\40`,
	'\\': `\5c`,
}

var unescapes = func() map[string]byte {
	m := make(map[string]byte, len(escapes))
	for c, esc := range escapes {
		m[esc[1:]] = c
	}
	return m
}()

// Escape applies XEP-0106 node escaping.
func Escape(node string) string {
	var b strings.Builder
	b.Grow(len(node))
	for i := 0; i < len(node); i++ {
		if esc, ok := escapes[node[i]]; ok {
			b.WriteString(esc)
			continue
		}
		b.WriteByte(node[i])
	}
	return b.String()
}

// Unescape reverses Escape. Unknown escape sequences are kept literally.
func Unescape(node string) string {
	if !strings.ContainsRune(node, '\\') {
		return node
	}
	var b strings.Builder
	b.Grow(len(node))
	for i := 0; i < len(node); i++ {
		if node[i] == '\\' && i+2 < len(node) {
			if c, ok := unescapes[strings.ToLower(node[i+1:i+3])]; ok {
				b.WriteByte(c)
				i += 2
				continue
			}
		}
		b.WriteByte(node[i])
	}
	return b.String()
}
