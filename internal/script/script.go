// Package script implements installer.ScriptRunner by executing an
// extracted script image as an external program, capturing its output
// through internal/supervisor's line-pump rather than duplicating that
// logic here.
package script

import (
	"context"
	"fmt"
	"io"

	"github.com/swupdate/agent-core/internal/manifest"
	"github.com/swupdate/agent-core/internal/supervisor"
)

// LogFunc receives one captured output line from a running script.
type LogFunc func(scriptName string, stream supervisor.Stream, line string)

// Runner executes script images found on disk (installer.dispatchScript
// has already extracted the payload and made it executable before
// calling Run).
type Runner struct {
	Log  LogFunc
	Args []string
}

// NewRunner builds a Runner. log may be nil to discard captured output.
func NewRunner(log LogFunc) *Runner {
	return &Runner{Log: log}
}

// Run executes img.ExtractFile, passing img.Properties entries as
// "-key=value" arguments the way the source project's script handler
// passes the image's handler-data through to the script's argv.
func (r *Runner) Run(ctx context.Context, img *manifest.Image, src io.Reader) error {
	if img.ExtractFile == "" {
		return fmt.Errorf("script %q has no extracted file to execute", img.Name)
	}
	args := append([]string(nil), r.Args...)
	for _, e := range img.Properties.Entries() {
		args = append(args, fmt.Sprintf("-%s=%s", e.Key, e.Value))
	}

	log := func(name string, stream supervisor.Stream, line string) {
		if r.Log != nil {
			r.Log(name, stream, line)
		}
	}
	return supervisor.RunCmd(ctx, img.ExtractFile, args, log)
}
