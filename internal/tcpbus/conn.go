package tcpbus

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/hewenyu/prestalab-esb/pkg/wire"
)

// ErrConnectionClosed 连接在等待响应期间断开
var ErrConnectionClosed = errors.New("tcp connection closed")

// busConn 总线上的一条客户端或服务连接
type busConn struct {
	nc     net.Conn
	remote string

	// wmu 保证一帧只由一个写者完整写出
	wmu sync.Mutex

	pmu     sync.Mutex
	pending map[string]chan wire.Response
	closed  bool

	// name 通过 sinit 绑定的服务名，由 Listener.mu 保护
	name string
	// touched 最近一次刷新心跳的时间，只在读协程中访问
	touched time.Time
}

func newBusConn(nc net.Conn) *busConn {
	return &busConn{
		nc:      nc,
		remote:  nc.RemoteAddr().String(),
		pending: make(map[string]chan wire.Response),
	}
}

// writeFrame 在截止时间内写出一帧
func (c *busConn) writeFrame(body []byte, deadline time.Time) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if !deadline.IsZero() {
		_ = c.nc.SetWriteDeadline(deadline)
		defer func() { _ = c.nc.SetWriteDeadline(time.Time{}) }()
	}
	return wire.WriteFrame(c.nc, body)
}

func (c *busConn) addPending(tag string) (chan wire.Response, error) {
	c.pmu.Lock()
	defer c.pmu.Unlock()
	if c.closed {
		return nil, ErrConnectionClosed
	}
	ch := make(chan wire.Response, 1)
	c.pending[tag] = ch
	return ch, nil
}

func (c *busConn) removePending(tag string) {
	c.pmu.Lock()
	delete(c.pending, tag)
	c.pmu.Unlock()
}

// resolve 把带标识的响应交给等待者，没有等待者时返回 false
func (c *busConn) resolve(resp wire.Response) bool {
	c.pmu.Lock()
	ch, ok := c.pending[resp.Tag]
	if ok {
		delete(c.pending, resp.Tag)
	}
	c.pmu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// failPending 关闭所有等待中的调用
func (c *busConn) failPending() int {
	c.pmu.Lock()
	defer c.pmu.Unlock()
	c.closed = true
	n := len(c.pending)
	for tag, ch := range c.pending {
		close(ch)
		delete(c.pending, tag)
	}
	return n
}

func (c *busConn) pendingCount() int {
	c.pmu.Lock()
	defer c.pmu.Unlock()
	return len(c.pending)
}
