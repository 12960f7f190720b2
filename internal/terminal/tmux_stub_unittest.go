//go:build unittest

package terminal

// RealTmux is a no-op stub used during unit testing (build tag: unittest).
type RealTmux struct{}

func (RealTmux) SessionExists(string) bool               { return false }
func (RealTmux) CreateSession(string) error              { return nil }
func (RealTmux) NewPane(string, string) (string, error)  { return "", nil }
func (RealTmux) SendKeys(string, string) error           { return nil }
func (RealTmux) SendSignal(string, string) error         { return nil }
func (RealTmux) KillPane(string) error                   { return nil }
func (RealTmux) ListPanes(string) ([]string, error)      { return nil, nil }
func (RealTmux) TileLayout(string) error                 { return nil }
