package stepwise

import (
	"fmt"
	"net/http"
)

// ReadyzCheck is a healthz.Checker for a manager's readiness endpoint. It
// fails once shutdown has begun, so traffic drains while engines stop.
//
//	if err := mgr.AddReadyzCheck("dispatcher", d.ReadyzCheck); err != nil {
//	    return err
//	}
func (d *Dispatcher[T, S]) ReadyzCheck(_ *http.Request) error {
	if d.shuttingDown.Load() {
		return fmt.Errorf("dispatcher %s: %w", d.config.Name, ErrShuttingDown)
	}
	return nil
}
