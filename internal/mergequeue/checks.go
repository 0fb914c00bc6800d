package mergequeue

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"ralphlite/internal/config"
	"ralphlite/internal/logging"
)

// ExecChecks is the production CheckRunner: each command runs through the
// shell in dir, stopping at the first failure. A failing check is a normal
// outcome, not an error.
func ExecChecks(ctx context.Context, dir string, cmds []config.Command) (bool, string, error) {
	var combined bytes.Buffer
	for _, c := range cmds {
		logging.Merge("running [%s] %s", c.Ecosystem, c.Run)
		cmd := exec.CommandContext(ctx, "sh", "-c", c.Run)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		fmt.Fprintf(&combined, "$ %s\n%s", c.Run, out)
		if ctx.Err() != nil {
			return false, combined.String(), ctx.Err()
		}
		if err != nil {
			return false, combined.String(), nil
		}
	}
	return true, combined.String(), nil
}
