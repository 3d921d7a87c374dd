package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/prestalab-esb/pkg/wire"
)

// ErrRegistrationRejected 总线拒绝了 sinit 注册
var ErrRegistrationRejected = errors.New("registro rechazado por el bus")

// TCPClient 通过TCP帧协议向总线发起单次调用
type TCPClient struct {
	// Addr 总线TCP地址
	Addr string
	// Timeout 拨号与整次往返的超时，0 表示只受ctx控制
	Timeout time.Duration
}

// Call 建立连接，写入一帧调用，读取恰好一帧响应并做容错解码
func (t *TCPClient) Call(ctx context.Context, service, operation string, payload json.RawMessage) (wire.Response, error) {
	body, err := wire.EncodeCall(service, operation, payload)
	if err != nil {
		return wire.Response{}, err
	}

	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	conn, err := dialBus(ctx, t.Addr)
	if err != nil {
		return wire.Response{}, err
	}
	defer conn.Close()
	stop := closeOnDone(ctx, conn)
	defer stop()

	if err := wire.WriteFrame(conn, body); err != nil {
		return wire.Response{}, ctxErr(ctx, err)
	}
	respBody, err := wire.ReadFrame(conn)
	if err != nil {
		return wire.Response{}, ctxErr(ctx, err)
	}
	return wire.DecodeResponse(respBody), nil
}

// HandlerFunc 处理总线转来的一次调用，返回的值会被编码为OK响应，错误编码为NK响应
type HandlerFunc func(ctx context.Context, operation string, payload json.RawMessage) (interface{}, error)

// ServeBus 以TCP服务的身份注册到总线并处理调用，直到ctx取消或连接断开
func ServeBus(ctx context.Context, addr, name string, handler HandlerFunc, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := dialBus(ctx, addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := closeOnDone(ctx, conn)
	defer stop()

	if err := wire.WriteFrame(conn, wire.RegistrationBody(name)); err != nil {
		return ctxErr(ctx, err)
	}
	ack, err := wire.ReadFrame(conn)
	if err != nil {
		return ctxErr(ctx, err)
	}
	if string(ack) != wire.StatusOK {
		return fmt.Errorf("%w: %q", ErrRegistrationRejected, ack)
	}
	logger.Info("已通过TCP注册到总线", zap.String("service", name), zap.String("bus", addr))

	var (
		wmu sync.Mutex
		wg  sync.WaitGroup
	)
	defer wg.Wait()

	for {
		body, err := wire.ReadFrame(conn)
		if err != nil {
			return ctxErr(ctx, err)
		}
		call, err := wire.DecodeCall(body)
		if err != nil {
			logger.Warn("忽略无效的调用帧", zap.Error(err))
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			out := handle(ctx, name, call, handler)
			wmu.Lock()
			err := wire.WriteFrame(conn, out)
			wmu.Unlock()
			if err != nil {
				logger.Debug("写响应失败", zap.String("operation", call.Operation), zap.Error(err))
			}
		}()
	}
}

func handle(ctx context.Context, name string, call wire.Call, handler HandlerFunc) (out []byte) {
	defer func() {
		if r := recover(); r != nil {
			out, _ = wire.EncodeTaggedResponse(name, call.Tag, false, wire.NKPayload(fmt.Sprintf("panic: %v", r)))
		}
	}()

	result, err := handler(ctx, call.Operation, call.Payload)
	if err != nil {
		out, _ = wire.EncodeTaggedResponse(name, call.Tag, false, wire.NKPayload(err.Error()))
		return out
	}

	var payload json.RawMessage
	switch v := result.(type) {
	case nil:
		payload = json.RawMessage(`{}`)
	case json.RawMessage:
		payload = v
	default:
		if payload, err = json.Marshal(v); err != nil {
			out, _ = wire.EncodeTaggedResponse(name, call.Tag, false, wire.NKPayload(err.Error()))
			return out
		}
	}
	out, err = wire.EncodeTaggedResponse(name, call.Tag, true, payload)
	if err != nil {
		out, _ = wire.EncodeTaggedResponse(name, call.Tag, false, wire.NKPayload(err.Error()))
	}
	return out
}

func dialBus(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// closeOnDone 在ctx结束时关闭连接以打断阻塞的读写
func closeOnDone(ctx context.Context, conn net.Conn) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// ctxErr ctx已结束时用ctx的错误替换连接被关闭引起的错误
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
