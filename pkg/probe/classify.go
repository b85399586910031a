package probe

import (
	"bytes"
	"strconv"
	"strings"
)

type marker struct {
	text string
	kind Kind
}

// markers are checked in order against the combined output.
var markers = []marker{
	{"Connection refused", Refused},
	{"Are you sure you want to continue connecting", UnknownHost},
	{"Host key verification failed", UnknownHost},
	{"Authentication failed", AuthFailed},
	{"Permission denied", AuthFailed},
	{"Permission Denied", AuthFailed},
	{"Could not resolve hostname", Unreachable},
	{"No route to host", Unreachable},
	{"Connection timed out", TimedOut},
}

// classify turns a finished command into an Outcome. A clean exit only
// counts as reachable when nothing was printed: any transcript means the
// remote side said something we did not ask for. The mode of a reachable
// outcome is filled in by the caller.
func classify(res Result) Outcome {
	if res.TimedOut {
		return failed(TimedOut, "")
	}
	out := string(bytes.TrimSpace(res.Output))
	for _, m := range markers {
		if strings.Contains(out, m.text) {
			return failed(m.kind, out)
		}
	}
	if res.ExitCode != 0 {
		return failed(Unreachable, exitDetail(res.ExitCode, out))
	}
	if out != "" {
		return failed(Unreachable, "unexpected output: "+out)
	}
	return Outcome{Kind: Reachable}
}

func exitDetail(code int, out string) string {
	msg := "exit status " + strconv.Itoa(code)
	if out != "" {
		msg += ": " + out
	}
	return msg
}
