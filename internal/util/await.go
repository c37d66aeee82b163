package util

import (
	"time"

	"github.com/primetalk/goio/io"
)

// AwaitTimeout blocks until done is closed or timeout elapses, in which case
// the timeout error is returned.
func AwaitTimeout(done <-chan struct{}, timeout time.Duration) error {
	wait := io.Eval(func() (struct{}, error) {
		<-done
		return struct{}{}, nil
	})
	result := io.RunSync(io.WithTimeout[struct{}](timeout)(wait))
	return result.Error
}
