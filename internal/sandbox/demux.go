package sandbox

import (
	"io"

	"github.com/docker/docker/pkg/stdcopy"
)

// demuxExecOutput splits Docker's multiplexed exec stream into stdout/stderr.
func demuxExecOutput(stdout, stderr io.Writer, reader io.Reader) error {
	_, err := stdcopy.StdCopy(stdout, stderr, reader)
	if err == io.EOF {
		return nil
	}
	return err
}
