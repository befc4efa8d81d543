package runner

import (
	"github.com/google/shlex"

	"github.com/dockerflow/gateway/internal/model"
)

// SplitCommand splits a command line into an argument vector using shell
// quoting rules. Nothing is expanded and no shell is involved.
func SplitCommand(cmd string) ([]string, error) {
	args, err := shlex.Split(cmd)
	if err != nil {
		return nil, model.WrapError(model.KindInvalidCommand, "malformed command", err)
	}
	if len(args) == 0 {
		return nil, model.NewError(model.KindInvalidCommand, "command is empty")
	}
	return args, nil
}
