// Command foreman is the fleet control plane's entrypoint: a thin wrapper
// around the cobra command tree in internal/cmd, following the teacher's
// convention of a minimal main package that only wires logging and the
// process exit code.
package main

import (
	"log/slog"
	"os"

	"github.com/foreman-fleet/foreman/internal/cmd"
	"github.com/foreman-fleet/foreman/internal/logging"
)

func main() {
	slog.SetDefault(logging.Default())
	os.Exit(cmd.Execute())
}
