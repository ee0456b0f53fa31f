package cdp

import "sync"

// workerPool 固定并发的拦截事件处理池
type workerPool struct {
	tasks  chan func()
	closed chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// newWorkerPool 创建并启动处理池
func newWorkerPool(concurrency, capacity int) *workerPool {
	if concurrency <= 0 {
		concurrency = 1
	}
	if capacity < 0 {
		capacity = 0
	}
	p := &workerPool{
		tasks:  make(chan func(), capacity),
		closed: make(chan struct{}),
	}
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *workerPool) run() {
	defer p.wg.Done()
	for {
		select {
		case fn := <-p.tasks:
			fn()
		case <-p.closed:
			// 关闭后把已排队的任务执行完，避免请求悬挂
			for {
				select {
				case fn := <-p.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

// submit 提交任务，队列已满或已关闭时返回 false
func (p *workerPool) submit(fn func()) bool {
	select {
	case <-p.closed:
		return false
	default:
	}
	select {
	case p.tasks <- fn:
		return true
	default:
		return false
	}
}

// stop 停止处理池并等待所有任务完成
func (p *workerPool) stop() {
	p.once.Do(func() { close(p.closed) })
	p.wg.Wait()
}
