package probe

import (
	"context"

	"github.com/dgnsrekt/tabby_probe/internal/cdp"
	"github.com/dgnsrekt/tabby_probe/internal/cdpcontrol"
	"github.com/dgnsrekt/tabby_probe/internal/config"
)

// Driver reaches browser tabs over CDP. Connect must be idempotent.
type Driver interface {
	Connect(ctx context.Context) error
	ListTabs(ctx context.Context) ([]cdpcontrol.TabInfo, error)
	StartSession(ctx context.Context, tab cdpcontrol.TabInfo) (cdpcontrol.TabSession, error)
	Close() error
}

// NewDriver builds the driver selected by PROBE_DRIVER.
func NewDriver(cfg *config.Config) Driver {
	if cfg.Driver == config.DriverChromedp {
		return cdp.NewClient(cfg.GetCDPURL(), cfg.EvalTimeout())
	}
	return cdpcontrol.NewClient(cfg.GetCDPURL(), cfg.EvalTimeout())
}
