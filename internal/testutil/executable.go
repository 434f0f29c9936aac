package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// ExecutableOptions shapes the behaviour of a fake browser executable.
type ExecutableOptions struct {
	Browser    *FakeBrowser // endpoint written to DevToolsActivePort; nil writes nothing
	IgnoreTerm bool         // keep running after SIGTERM
	ExitCode   int          // exit immediately with this code when non-zero
	ArgsFile   string       // record the command line here when set
}

// FakeExecutable writes a /bin/sh script that behaves like a browser started
// with --remote-debugging-port=0: it writes DevToolsActivePort into its
// --user-data-dir pointing at opts.Browser and then sleeps until killed.
func FakeExecutable(t testing.TB, opts ExecutableOptions) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake executable needs /bin/sh")
	}

	script := "#!/bin/sh\n"
	if opts.ArgsFile != "" {
		script += fmt.Sprintf("printf '%%s\\n' \"$@\" > %q\n", opts.ArgsFile)
	}
	if opts.ExitCode != 0 {
		script += fmt.Sprintf("exit %d\n", opts.ExitCode)
	}
	script += `dir=""
for arg in "$@"; do
	case "$arg" in
		--user-data-dir=*) dir="${arg#--user-data-dir=}" ;;
	esac
done
`
	if opts.Browser != nil {
		script += fmt.Sprintf("printf '%%s\\n%%s\\n' %d %q > \"$dir/DevToolsActivePort\"\n",
			opts.Browser.Port(), opts.Browser.Path())
	}
	if opts.IgnoreTerm {
		script += "trap '' TERM\n"
	}
	script += "exec sleep 300\n"

	path := filepath.Join(t.TempDir(), "fake-browser")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("writing fake executable: %v", err)
	}
	return path
}
