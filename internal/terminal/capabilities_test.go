package terminal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeEnv struct {
	vars map[string]string
	tty  bool
}

func (e fakeEnv) Getenv(key string) string { return e.vars[key] }

func (e fakeEnv) LookupEnv(key string) (string, bool) {
	v, ok := e.vars[key]
	return v, ok
}

func (e fakeEnv) IsTerminal() bool { return e.tty }

func TestIsInteractive(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		env  fakeEnv
		want bool
	}{
		{name: "terminal", env: fakeEnv{tty: true}, want: true},
		{name: "pipe", env: fakeEnv{}, want: false},
		{name: "ci", env: fakeEnv{vars: map[string]string{"GITHUB_ACTIONS": "true"}, tty: true}, want: false},
		{name: "ci disabled", env: fakeEnv{vars: map[string]string{"CI": "false"}, tty: true}, want: true},
		{name: "forced", opts: Options{ForceInteractive: true}, env: fakeEnv{}, want: true},
		{name: "forced off", opts: Options{ForceNonInteractive: true}, env: fakeEnv{tty: true}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NewCapabilitiesWithEnv(tt.opts, tt.env).IsInteractive())
		})
	}
}

func TestSupportsColor(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		env  fakeEnv
		want bool
	}{
		{name: "xterm terminal", env: fakeEnv{vars: map[string]string{"TERM": "xterm-256color"}, tty: true}, want: true},
		{name: "dumb terminal", env: fakeEnv{vars: map[string]string{"TERM": "dumb"}, tty: true}, want: false},
		{name: "pipe", env: fakeEnv{vars: map[string]string{"TERM": "xterm"}}, want: false},
		{name: "no color", env: fakeEnv{vars: map[string]string{"TERM": "xterm", "NO_COLOR": ""}, tty: true}, want: false},
		{name: "clicolor off", env: fakeEnv{vars: map[string]string{"TERM": "xterm", "CLICOLOR": "0"}, tty: true}, want: false},
		{name: "clicolor force on pipe", env: fakeEnv{vars: map[string]string{"CLICOLOR_FORCE": "1", "NO_COLOR": "1"}}, want: true},
		{name: "flag force", opts: Options{ForceColor: true}, env: fakeEnv{}, want: true},
		{name: "flag disable", opts: Options{DisableColor: true}, env: fakeEnv{vars: map[string]string{"CLICOLOR_FORCE": "1"}, tty: true}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NewCapabilitiesWithEnv(tt.opts, tt.env).SupportsColor())
		})
	}
}
