package targets

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/mcpxhq/mcpx/pkg/config"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

// DialFunc builds the transport used to reach a target. The resolved env map
// applies to stdio targets; the header set applies to remote targets.
type DialFunc func(ctx context.Context, cfg *config.TargetConfig, env map[string]string, header http.Header) (mcp.Transport, error)

// Options configures a Manager instance.
type Options struct {
	// ClientName is advertised to every target during initialization.
	// Defaults to "mcpx".
	ClientName string
	// ClientVersion is the semantic version reported to targets.
	ClientVersion string
	// DefaultTimeout bounds connection attempts and individual RPCs when a
	// target omits its own timeout.
	DefaultTimeout time.Duration
	// IdleThreshold is the call-inactivity window after which a connected
	// target reads as stopped rather than running.
	IdleThreshold time.Duration
	// BackoffInitial and BackoffMax bound the reconnect schedule for failed
	// targets.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// RetryInterval is how often the background loop scans for failed
	// targets whose backoff has elapsed.
	RetryInterval time.Duration
	// LookupEnv resolves fromEnv indirections. Defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
	// Dial overrides transport construction. Tests use this to connect
	// targets over in-memory pipes.
	Dial DialFunc
	// Logger receives structured diagnostics.
	Logger *zap.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.ClientName == "" {
		opts.ClientName = "mcpx"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "1.0.0"
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.IdleThreshold <= 0 {
		opts.IdleThreshold = time.Minute
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 5 * time.Second
	}
	if opts.LookupEnv == nil {
		opts.LookupEnv = os.LookupEnv
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return opts
}
