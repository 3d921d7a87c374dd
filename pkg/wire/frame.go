// Package wire 实现总线TCP协议的帧编解码。
//
// 帧格式: 5位十进制长度前缀(NNNNN，左侧补零) + 恰好该长度的帧体。
// 帧体分为注册帧 ("sinit"+服务名) 与调用帧 (5字符服务名 + 载荷)。
package wire

import (
	"errors"
	"fmt"
	"io"
	"strconv"
)

const (
	// LengthWidth 长度前缀的字节数
	LengthWidth = 5
	// MaxBodyLen 5位十进制能表示的最大帧体长度
	MaxBodyLen = 99999
)

var (
	// ErrFrameTooLarge 帧体超过 MaxBodyLen
	ErrFrameTooLarge = errors.New("wire: frame body exceeds 99999 bytes")
	// ErrBadLength 长度前缀不是5位十进制数字
	ErrBadLength = errors.New("wire: malformed length prefix")
	// ErrMalformedBody 帧体结构不符合协议
	ErrMalformedBody = errors.New("wire: malformed frame body")
)

// EncodeFrame 为帧体加上长度前缀
func EncodeFrame(body []byte) ([]byte, error) {
	if len(body) > MaxBodyLen {
		return nil, fmt.Errorf("%w: %d", ErrFrameTooLarge, len(body))
	}
	out := make([]byte, 0, LengthWidth+len(body))
	out = append(out, fmt.Sprintf("%05d", len(body))...)
	out = append(out, body...)
	return out, nil
}

// WriteFrame 编码并一次性写出一帧
func WriteFrame(w io.Writer, body []byte) error {
	frame, err := EncodeFrame(body)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame 从字节流中读取一帧并返回帧体。
// 连接在读完前关闭时返回 io.EOF 或 io.ErrUnexpectedEOF，调用方应视为断开连接。
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [LengthWidth]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	n, err := parseLength(prefix[:])
	if err != nil {
		return nil, err
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

func parseLength(prefix []byte) (int, error) {
	for _, b := range prefix {
		if b < '0' || b > '9' {
			return 0, fmt.Errorf("%w: %q", ErrBadLength, prefix)
		}
	}
	n, err := strconv.Atoi(string(prefix))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadLength, prefix)
	}
	return n, nil
}

// IsDisconnect 判断错误是否表示对端在帧中途或帧之间断开
func IsDisconnect(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
