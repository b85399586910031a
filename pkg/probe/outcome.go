package probe

import "fmt"

// Mode is how a reachable host is tunneled to.
type Mode int

const (
	// ModeLocal means the kernel host is this machine and nothing needs
	// to be forwarded.
	ModeLocal Mode = iota
	// ModeSSH forwards from here to the host over a direct ssh login.
	ModeSSH
	// ModeReverse asks the relay to run ssh on the host, which connects
	// back here and opens reverse forwards.
	ModeReverse
)

func (m Mode) String() string {
	switch m {
	case ModeLocal:
		return "local"
	case ModeSSH:
		return "ssh"
	case ModeReverse:
		return "reverse"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

type Kind int

const (
	Reachable Kind = iota
	Unreachable
	Refused
	UnknownHost
	AuthFailed
	TimedOut
)

var kindNames = map[Kind]string{
	Reachable:   "reachable",
	Unreachable: "unreachable",
	Refused:     "refused",
	UnknownHost: "unknown-host",
	AuthFailed:  "auth-failed",
	TimedOut:    "timed-out",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Outcome is the result of one probe. Mode is only meaningful when Kind
// is Reachable; Detail carries the transcript or message explaining a
// failure.
type Outcome struct {
	Kind   Kind
	Mode   Mode
	Detail string
}

func reachable(m Mode) Outcome {
	return Outcome{Kind: Reachable, Mode: m}
}

func failed(k Kind, detail string) Outcome {
	return Outcome{Kind: k, Detail: detail}
}

func (o Outcome) Reachable() bool {
	return o.Kind == Reachable
}

// Err converts a failed outcome into an *Error, nil when reachable.
func (o Outcome) Err() error {
	if o.Reachable() {
		return nil
	}
	return &Error{Kind: o.Kind, Msg: o.Detail}
}

func (o Outcome) String() string {
	if o.Reachable() {
		return "reachable(" + o.Mode.String() + ")"
	}
	return o.Kind.String() + ": " + o.Detail
}

// Error is a failed probe. Kind says which class of failure stopped it.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return "probe failed: " + e.Kind.String()
	}
	return fmt.Sprintf("probe failed (%s): %s", e.Kind, e.Msg)
}
