// Package config loads the engine configuration and plan documents.
package config

import (
	"regexp"
	"strconv"
)

var yamlLineRegex = regexp.MustCompile(`line (\d+)`)

// extractLine pulls the first line number out of a yaml.v3 error message.
func extractLine(err error) int {
	if err == nil {
		return 0
	}

	matches := yamlLineRegex.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return 0
	}

	line, convErr := strconv.Atoi(matches[1])
	if convErr != nil {
		return 0
	}
	return line
}
