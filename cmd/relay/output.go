package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/basket/relay/internal/shared"
)

const (
	exitOK       = 0
	exitInternal = 1
	exitUsage    = 2
	exitNotFound = 3
	exitConflict = 4
	exitBlocked  = 5
)

// exitCode maps an error to the process exit code for it.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage), errors.Is(err, shared.ErrValidation):
		return exitUsage
	case errors.Is(err, shared.ErrNotFound):
		return exitNotFound
	case errors.Is(err, shared.ErrConflict), errors.Is(err, shared.ErrMismatch), errors.Is(err, shared.ErrAlreadyCompleted):
		return exitConflict
	case errors.Is(err, shared.ErrDeploymentBlocked):
		return exitBlocked
	default:
		return exitInternal
	}
}

var errUsage = errors.New("usage")

func usageErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// reportError writes err as JSON to w and returns the exit code for it.
func reportError(w io.Writer, err error) int {
	code := shared.Code(err)
	if errors.Is(err, errUsage) {
		code = "USAGE"
	}
	_ = writeJSON(w, errorBody{Error: code, Message: err.Error()})
	return exitCode(err)
}

// writeJSON encodes v to w, indented when w is a terminal.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

// newFlagSet returns a flag set that reports parse errors instead of exiting.
func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return usageErrorf("%s: %v", fs.Name(), err)
	}
	if fs.NArg() > 0 {
		return usageErrorf("%s: unexpected argument %q", fs.Name(), fs.Arg(0))
	}
	return nil
}

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// splitList splits a comma separated flag value, dropping blanks.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func subcommand(args []string, group string) (string, []string, error) {
	if len(args) == 0 {
		return "", nil, usageErrorf("%s: missing subcommand", group)
	}
	return strings.ToLower(args[0]), args[1:], nil
}
