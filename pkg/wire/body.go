package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/hewenyu/prestalab-esb/pkg/model"
)

const (
	// RegistrationPrefix 注册帧前缀
	RegistrationPrefix = "sinit"
	// StatusOK 成功响应状态码
	StatusOK = "OK"
	// StatusNK 失败响应状态码
	StatusNK = "NK"

	tagMarker = '#'
	tagLen    = 32
)

var emptyObject = json.RawMessage(`{}`)

// RegistrationBody 构造注册帧体 "sinit<name>"
func RegistrationBody(name string) []byte {
	return []byte(RegistrationPrefix + name)
}

// IsRegistration 判断帧体是否为注册帧
func IsRegistration(body []byte) bool {
	return bytes.HasPrefix(body, []byte(RegistrationPrefix))
}

// ParseRegistration 从注册帧中取出服务名
func ParseRegistration(body []byte) (string, error) {
	if !IsRegistration(body) {
		return "", fmt.Errorf("%w: missing %q prefix", ErrMalformedBody, RegistrationPrefix)
	}
	name := strings.TrimSpace(string(body[len(RegistrationPrefix):]))
	if name == "" {
		return "", fmt.Errorf("%w: empty service name", ErrMalformedBody)
	}
	return name, nil
}

// NewTag 生成总线到TCP服务这一跳使用的关联标识
func NewTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Call 解码后的调用请求
type Call struct {
	Service   string
	Tag       string
	Operation string
	Payload   json.RawMessage
}

// EncodeCall 构造调用帧体 "<name5><operation> <json>"
func EncodeCall(service, operation string, payload json.RawMessage) ([]byte, error) {
	return EncodeTaggedCall(service, "", operation, payload)
}

// EncodeTaggedCall 构造带关联标识的调用帧体 "<name5>#<tag><operation> <json>"
func EncodeTaggedCall(service, tag, operation string, payload json.RawMessage) ([]byte, error) {
	if operation == "" || strings.ContainsAny(operation, " #") {
		return nil, fmt.Errorf("%w: invalid operation %q", ErrMalformedBody, operation)
	}
	if len(payload) == 0 {
		payload = emptyObject
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrMalformedBody)
	}

	var b bytes.Buffer
	b.WriteString(model.WireName(service))
	writeTag(&b, tag)
	b.WriteString(operation)
	b.WriteByte(' ')
	b.Write(compact(payload))
	if b.Len() > MaxBodyLen {
		return nil, fmt.Errorf("%w: %d", ErrFrameTooLarge, b.Len())
	}
	return b.Bytes(), nil
}

// DecodeCall 解析调用帧体
func DecodeCall(body []byte) (Call, error) {
	if len(body) <= model.WireNameWidth {
		return Call{}, fmt.Errorf("%w: call body too short", ErrMalformedBody)
	}
	call := Call{Service: strings.TrimRight(string(body[:model.WireNameWidth]), " ")}
	rest := body[model.WireNameWidth:]
	call.Tag, rest = splitTag(rest)

	op, payload, found := bytes.Cut(rest, []byte{' '})
	call.Operation = string(op)
	if call.Operation == "" {
		return Call{}, fmt.Errorf("%w: empty operation", ErrMalformedBody)
	}
	if !found || len(bytes.TrimSpace(payload)) == 0 {
		call.Payload = emptyObject
		return call, nil
	}
	payload = bytes.TrimSpace(payload)
	if !json.Valid(payload) {
		return Call{}, fmt.Errorf("%w: payload is not valid JSON", ErrMalformedBody)
	}
	call.Payload = json.RawMessage(payload)
	return call, nil
}

// Response 解码后的响应。Parsed 为 false 时表示无法解析的响应，原文保存在 Raw 中。
type Response struct {
	Service string
	Tag     string
	Status  string
	Payload json.RawMessage
	Raw     string
	Parsed  bool
	// DuplicatedStatus 表示响应中出现了重复的状态码 (如 "OKOK{...}")
	DuplicatedStatus bool
}

// OK 判断响应状态是否为成功
func (r Response) OK() bool {
	return r.Status == StatusOK
}

// ErrorMessage 提取NK响应中的错误描述
func (r Response) ErrorMessage() string {
	if r.Parsed {
		var body struct {
			Error  string `json:"error"`
			Detail string `json:"detail"`
		}
		if err := json.Unmarshal(r.Payload, &body); err == nil {
			if body.Error != "" {
				return body.Error
			}
			if body.Detail != "" {
				return body.Detail
			}
		}
		return string(r.Payload)
	}
	return r.Raw
}

// EncodeResponse 构造响应帧体 "<name5><OK|NK><json>"
func EncodeResponse(service string, ok bool, payload json.RawMessage) ([]byte, error) {
	return EncodeTaggedResponse(service, "", ok, payload)
}

// EncodeTaggedResponse 构造带关联标识的响应帧体
func EncodeTaggedResponse(service, tag string, ok bool, payload json.RawMessage) ([]byte, error) {
	if len(payload) == 0 {
		payload = emptyObject
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrMalformedBody)
	}
	status := StatusNK
	if ok {
		status = StatusOK
	}

	var b bytes.Buffer
	b.WriteString(model.WireName(service))
	writeTag(&b, tag)
	b.WriteString(status)
	b.Write(compact(payload))
	if b.Len() > MaxBodyLen {
		return nil, fmt.Errorf("%w: %d", ErrFrameTooLarge, b.Len())
	}
	return b.Bytes(), nil
}

// DecodeResponse 容错地解析响应帧体。
// JSON 从前缀之后第一个 '{' 或 '[' 开始定位，重复的状态码会被剥离；
// 无法解析时返回 Parsed=false 的结果而不是错误。
func DecodeResponse(body []byte) Response {
	resp := Response{Raw: string(body)}
	if len(body) < model.WireNameWidth+2 {
		return resp
	}
	resp.Service = strings.TrimRight(string(body[:model.WireNameWidth]), " ")
	rest := body[model.WireNameWidth:]
	resp.Tag, rest = splitTag(rest)
	if len(rest) < 2 {
		return resp
	}

	resp.Status = string(rest[:2])
	data := rest[2:]
	// 兼容某些总线实现重复输出状态码的情况
	for bytes.HasPrefix(data, []byte(resp.Status)) {
		data = data[len(resp.Status):]
		resp.DuplicatedStatus = true
	}

	start := bytes.IndexAny(data, "{[")
	if start < 0 {
		resp.Raw = string(data)
		return resp
	}
	candidate := bytes.TrimSpace(data[start:])
	if !json.Valid(candidate) {
		resp.Raw = string(data)
		return resp
	}
	resp.Payload = json.RawMessage(candidate)
	resp.Parsed = true
	return resp
}

// NKPayload 构造NK响应使用的 {"error": msg}
func NKPayload(msg string) json.RawMessage {
	out, _ := json.Marshal(map[string]string{"error": msg})
	return out
}

func writeTag(b *bytes.Buffer, tag string) {
	if tag == "" {
		return
	}
	b.WriteByte(tagMarker)
	b.WriteString(tag)
}

func splitTag(rest []byte) (string, []byte) {
	if len(rest) < tagLen+1 || rest[0] != tagMarker {
		return "", rest
	}
	tag := rest[1 : tagLen+1]
	for _, c := range tag {
		if !isHex(c) {
			return "", rest
		}
	}
	return string(tag), rest[tagLen+1:]
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func compact(payload json.RawMessage) []byte {
	var b bytes.Buffer
	if err := json.Compact(&b, payload); err != nil {
		return payload
	}
	return b.Bytes()
}
