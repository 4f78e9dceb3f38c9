package authz

import (
	"fmt"
	"time"

	"github.com/aixone/authz/logger"
)

// EngineOption configures an Engine at construction time
type EngineOption func(*Engine) error

// WithLogger installs a Logger on the Engine
func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) error {
		if l == nil {
			return fmt.Errorf("%w: nil logger", ErrConfiguration)
		}
		e.logger = l
		return nil
	}
}

// WithTraceIDFunc installs a trace id generator. The id is logged with each
// decision and stamped on Explain traces.
func WithTraceIDFunc(f logger.TraceIDFunc) EngineOption {
	return func(e *Engine) error {
		e.traceIDFunc = f
		return nil
	}
}

// WithCache shares an existing cache. The engine does not close a shared
// cache's janitor.
func WithCache(c *Cache) EngineOption {
	return func(e *Engine) error {
		if c == nil {
			return fmt.Errorf("%w: nil cache", ErrConfiguration)
		}
		e.cache = c
		return nil
	}
}

// WithCacheTTL sets how long store lookups stay cached
func WithCacheTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) error {
		if ttl <= 0 {
			return fmt.Errorf("%w: cache ttl must be positive", ErrConfiguration)
		}
		e.cacheTTL = ttl
		return nil
	}
}

// WithCacheGrace keeps expired entries for grace so they can be served when
// the store fails. Ignored when WithCache supplies the cache.
func WithCacheGrace(grace time.Duration) EngineOption {
	return func(e *Engine) error {
		e.cacheGrace = grace
		return nil
	}
}

// WithCacheShards sets the shard count of the engine-owned cache
func WithCacheShards(n int) EngineOption {
	return func(e *Engine) error {
		if n <= 0 {
			return fmt.Errorf("%w: cache shards must be positive", ErrConfiguration)
		}
		e.cacheShards = n
		return nil
	}
}

// WithSweepInterval starts a janitor goroutine that reclaims expired entries
func WithSweepInterval(d time.Duration) EngineOption {
	return func(e *Engine) error {
		e.sweepInterval = d
		return nil
	}
}

// WithStoreTimeout bounds every backing-store call
func WithStoreTimeout(d time.Duration) EngineOption {
	return func(e *Engine) error {
		if d <= 0 {
			return fmt.Errorf("%w: store timeout must be positive", ErrConfiguration)
		}
		e.storeTimeout = d
		return nil
	}
}

// WithProtectedPrefixes replaces the path namespaces that require a rule check
func WithProtectedPrefixes(prefixes ...string) EngineOption {
	return func(e *Engine) error {
		if len(prefixes) == 0 {
			return fmt.Errorf("%w: at least one protected prefix is required", ErrConfiguration)
		}
		e.prefixes = append([]string(nil), prefixes...)
		return nil
	}
}

// WithConditionCompiler shares a compiled-condition cache between engines
func WithConditionCompiler(cc *ConditionCompiler) EngineOption {
	return func(e *Engine) error {
		if cc == nil {
			return fmt.Errorf("%w: nil condition compiler", ErrConfiguration)
		}
		e.compiler = cc
		return nil
	}
}

// WithRBACChecker replaces the built-in RBAC evaluator
func WithRBACChecker(c RBACChecker) EngineOption {
	return func(e *Engine) error {
		e.rbac = c
		return nil
	}
}

// WithABACChecker replaces the built-in ABAC evaluator
func WithABACChecker(c ABACChecker) EngineOption {
	return func(e *Engine) error {
		e.abac = c
		return nil
	}
}

// WithClock overrides the decision timestamp source (tests)
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) error {
		if now != nil {
			e.now = now
		}
		return nil
	}
}
