// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package discovery

import (
	"regexp"
	"strings"
)

// ps(1) prints the environment as one line of space-separated KEY=value
// assignments appended to the command, with no quoting at all. Splitting on
// the pattern "space, identifier, equals" keeps values containing spaces
// intact; a value that itself contains a " KEY=" sequence is misparsed, which
// we accept.
var envKeyPattern = regexp.MustCompile(` ([A-Za-z_][A-Za-z0-9_]*)=`)

// ParseEnvLine splits a "command VAR1=a VAR2=b c" line into the leading
// command and its environment variables.
func ParseEnvLine(line string) (command string, env map[string]string) {
	env = make(map[string]string)
	line = strings.TrimRight(line, "\r\n")

	matches := envKeyPattern.FindAllStringSubmatchIndex(line, -1)
	if len(matches) == 0 {
		return line, env
	}

	command = line[:matches[0][0]]
	for i, m := range matches {
		key := line[m[2]:m[3]]
		end := len(line)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		env[key] = line[m[1]:end]
	}
	return command, env
}
