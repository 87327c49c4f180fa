package relay

import (
	"github.com/tinyland-inc/picobridge/pkg/logger"
)

// Policy decides what happens after a destination fails. With Failsafe set
// the failure is only logged; otherwise Fatal is called.
type Policy struct {
	Failsafe bool
	Fatal    func(err error)
}

// Escalate calls Fatal for err unless the policy is failsafe.
func (p Policy) Escalate(err error) {
	if err == nil || p.Failsafe {
		return
	}
	fatal := p.Fatal
	if fatal == nil {
		fatal = exitOnFailure
	}
	fatal(err)
}

func exitOnFailure(err error) {
	logger.FatalCF("relay", "Destination failed with failsafe disabled, exiting", map[string]any{
		"error": err.Error(),
	})
}
