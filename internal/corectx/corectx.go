// Package corectx bundles the process-wide singletons the original Squid
// core keeps as file-scope globals — NetDB, the interned peer-name table,
// configuration, the logger, and the clock — into one value threaded
// through component constructors, per spec.md §9's "Global mutable
// state" design note.
package corectx

import (
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"squidcore/internal/config"
	"squidcore/internal/logging"
	"squidcore/internal/netdb"
)

// Context is the single value every component depends on in place of
// globals. It is safe for concurrent use: NetDB guards its own state, and
// Config/Logger/Clock are read-only after construction.
type Context struct {
	Config *config.Config
	Logger *zap.Logger
	Clock  clock.Clock
	NetDB  *netdb.DB

	peerNames *internedNames
}

// New builds a Context with the given config. A nil logger or clock
// defaults to a production logger and the real wall clock, matching the
// teacher's pattern of accepting an optional *log.Logger and falling back
// to a sane default.
func New(cfg config.Config, logger *zap.Logger, clk clock.Clock) *Context {
	if logger == nil {
		logger = logging.Default()
	}
	if clk == nil {
		clk = clock.New()
	}
	c := &Context{
		Config:    &cfg,
		Logger:    logger,
		Clock:     clk,
		peerNames: newInternedNames(),
	}
	c.NetDB = netdb.New(netdb.Deps{
		Config: &cfg.Netdb,
		Logger: logger.Named("netdb"),
		Clock:  clk,
		Intern: c.peerNames.Intern,
	})
	return c
}

// InternPeerName returns the stable, append-only interned string for a
// peer hostname (spec.md §4.1 invariant iii).
func (c *Context) InternPeerName(name string) string {
	return c.peerNames.Intern(name)
}
