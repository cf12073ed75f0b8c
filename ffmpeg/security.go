package ffmpeg

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// SplitCommand securely splits a command string into a slice of arguments.
// It prevents shell injection by not using a shell.
func SplitCommand(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid command syntax: %w", err)
	}
	return args, nil
}

// blockedOptions would let extra arguments replace inputs, the filter graph
// or the stream mapping the merge depends on.
var blockedOptions = map[string]bool{
	"-i":              true,
	"-filter_complex": true,
	"-map":            true,
	"-f":              true,
}

// SanitizeArgs checks user supplied extra encoder arguments.
func SanitizeArgs(args []string) error {
	for _, arg := range args {
		if blockedOptions[arg] {
			return fmt.Errorf("option not allowed in extra arguments: %s", arg)
		}
		if strings.ContainsAny(arg, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
	}
	return nil
}
