// Package wasmengine owns the single process-wide Wasm engine, its epoch
// clock, and the Module Cache & Pre-Instance Store that every runtime
// adapter rehydrates a Stack from. Grounded on
// policy_evaluator/stack_pre.rs and runtimes/wapc/stack_pre.rs, which the
// Rust original builds on top of wasmtime's own InstancePre/epoch
// machinery; this package is the Go port of that role.
package wasmengine

import (
	"sync"
	"time"

	"github.com/bytecodealliance/wasmtime-go"
	"k8s.io/klog/v2"
)

// EpochDeadlines mirrors policy_evaluator_builder::EpochDeadlines: a policy
// gets one deadline for its (optional) init/start work and another for each
// guest call. Rego modules have no init phase and only ever set Call.
type EpochDeadlines struct {
	Init uint64
	Call uint64
}

// Engine wraps the single wasmtime.Engine shared by every policy in the
// process. Wasmtime engines are expensive to create and cheap to share;
// wasmtime.Module and wasmtime.Linker.InstantiatePre instances compiled
// against it can be reused across many wasmtime.Store instances.
type Engine struct {
	inner *wasmtime.Engine

	stopTicker chan struct{}
	tickerOnce sync.Once
}

// defaultTickInterval is how often the epoch ticker increments the shared
// engine's epoch counter. A policy's deadline is expressed in ticks, so
// this interval is the unit epoch deadlines are measured in.
const defaultTickInterval = 100 * time.Millisecond

var (
	singleton     *Engine
	singletonOnce sync.Once
)

// Shared returns the process-wide Engine, creating it (and starting its
// epoch ticker) on first use.
func Shared() *Engine {
	singletonOnce.Do(func() {
		singleton = newEngine()
		singleton.startTicker(defaultTickInterval)
	})
	return singleton
}

func newEngine() *Engine {
	cfg := wasmtime.NewConfig()
	cfg.SetEpochInterruption(true)
	// Consume fuel is deliberately left unconfigured: epoch interruption
	// is the preemption mechanism this host relies on, not fuel metering.
	return &Engine{
		inner:      wasmtime.NewEngineWithConfig(cfg),
		stopTicker: make(chan struct{}),
	}
}

// Inner exposes the underlying *wasmtime.Engine for runtime adapters that
// need to build a Store/Linker/Module against it.
func (e *Engine) Inner() *wasmtime.Engine {
	return e.inner
}

// TicksForDeadline converts a wall-clock duration into the number of epoch
// ticks a caller should pass to wasmtime.Store.SetEpochDeadline, given this
// engine's tick interval.
func TicksForDeadline(d time.Duration) uint64 {
	if d <= 0 {
		return 1
	}
	ticks := uint64(d / defaultTickInterval)
	if ticks == 0 {
		ticks = 1
	}
	return ticks
}

func (e *Engine) startTicker(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.inner.IncrementEpoch()
			case <-e.stopTicker:
				return
			}
		}
	}()
	klog.V(2).Infof("wasmengine: epoch ticker started, interval=%s", interval)
}

// StopTicker halts the background epoch ticker. Nothing in this module
// calls it; the shared engine lives for the lifetime of the process.
func (e *Engine) StopTicker() {
	e.tickerOnce.Do(func() {
		close(e.stopTicker)
	})
}
