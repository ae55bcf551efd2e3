package script

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// vmPool keeps sandboxed VMs for reuse. Acquire never blocks: an empty pool
// creates a VM, and Release drops VMs that do not fit.
type vmPool struct {
	pool     chan *pooledVM
	level    string
	maxReuse int
	logger   *zap.Logger

	created  atomic.Int64
	acquired atomic.Int64
	released atomic.Int64

	mu     sync.Mutex
	closed bool
}

type pooledVM struct {
	vm         *goja.Runtime
	console    *console
	createdAt  time.Time
	reuseCount int
}

// PoolStats reports VM pool activity.
type PoolStats struct {
	Created   int64 `json:"created"`
	Acquired  int64 `json:"acquired"`
	Released  int64 `json:"released"`
	Available int   `json:"available"`
}

func newVMPool(cfg Config, logger *zap.Logger) *vmPool {
	return &vmPool{
		pool:     make(chan *pooledVM, cfg.PoolSize),
		level:    cfg.SecurityLevel,
		maxReuse: cfg.MaxReuse,
		logger:   logger,
	}
}

func (p *vmPool) acquire(ctx context.Context) (*pooledVM, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("vm pool is closed")
	}
	p.acquired.Add(1)

	select {
	case vm, ok := <-p.pool:
		if ok && vm != nil {
			vm.reuseCount++
			if vm.reuseCount < p.maxReuse {
				return vm, nil
			}
		}
	default:
	}
	return p.createVM()
}

func (p *vmPool) release(vm *pooledVM) {
	p.released.Add(1)
	vm.vm.ClearInterrupt()
	if err := p.resetVM(vm); err != nil {
		p.logger.Debug("Dropping VM that failed to reset", zap.Error(err))
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.pool <- vm:
	default:
	}
}

func (p *vmPool) createVM() (*pooledVM, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	if err := applySandbox(vm, p.level); err != nil {
		return nil, fmt.Errorf("failed to create secure context: %w", err)
	}
	con := &console{logger: p.logger}
	if err := con.install(vm); err != nil {
		return nil, err
	}

	p.created.Add(1)
	return &pooledVM{vm: vm, console: con, createdAt: time.Now()}, nil
}

// resetVM removes the call-scoped globals a previous call installed.
func (p *vmPool) resetVM(vm *pooledVM) error {
	for _, name := range []string{"invoke"} {
		if err := vm.vm.GlobalObject().Delete(name); err != nil {
			return err
		}
	}
	vm.console.script = ""
	return nil
}

func (p *vmPool) stats() PoolStats {
	return PoolStats{
		Created:   p.created.Load(),
		Acquired:  p.acquired.Load(),
		Released:  p.released.Load(),
		Available: len(p.pool),
	}
}

func (p *vmPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.pool)
	for range p.pool {
	}
}
