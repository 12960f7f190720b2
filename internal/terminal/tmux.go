package terminal

// SessionName is the tmux session that hosts every launch-script pane.
const SessionName = "switchboard"

// Tmux abstracts tmux operations for testability.
type Tmux interface {
	SessionExists(name string) bool
	CreateSession(name string) error
	NewPane(session, cwd string) (string, error)
	SendKeys(paneID, keys string) error
	SendSignal(paneID, signal string) error
	KillPane(paneID string) error
	ListPanes(session string) ([]string, error)
	TileLayout(session string) error
}

// DefaultTmux is the tmux implementation used when Opts.Tmux is nil.
// Set to RealTmux{} in tmux_real.go (excluded from test builds via build tag).
var DefaultTmux Tmux = RealTmux{}
