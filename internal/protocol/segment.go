// =============================================================================
// 文件: internal/protocol/segment.go
// 描述: SWRDT 段编解码 - 定长十进制长度/序列号 + 32 字符摘要 + 负载
// =============================================================================

package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// 帧格式: Length(10) + Seq(10) + Checksum(32) + Payload(N)
// Length 计入整帧 (包括 Length 字段本身)
const (
	LengthFieldSize   = 10
	SeqFieldSize      = 10
	ChecksumFieldSize = 32
	HeaderSize        = LengthFieldSize + SeqFieldSize + ChecksumFieldSize

	// MaxFieldValue 10 位十进制字段能表示的最大值
	MaxFieldValue = 9999999999

	// MaxFrameSize 解码器接受的最大帧长度
	// 超过该值的长度前缀按格式错误处理，避免在垃圾数据上无限等待
	MaxFrameSize = 1 << 20

	// MaxPayloadSize 单帧最大负载
	MaxPayloadSize = MaxFrameSize - HeaderSize
)

// AckToken ACK 帧的负载
const AckToken = "ACK"

// AckFrameSize ACK 帧的整帧长度
const AckFrameSize = HeaderSize + len(AckToken)

var ackToken = []byte(AckToken)

// 错误定义
var (
	ErrSeqOverflow   = errors.New("序列号超出 10 位十进制范围")
	ErrFrameTooLarge = errors.New("帧长度超出上限")
)

// =============================================================================
// 解码结果
// =============================================================================

// DecodeStatus 解码状态
type DecodeStatus uint8

const (
	// StatusIncomplete 数据不足一帧，等待更多字节
	StatusIncomplete DecodeStatus = iota
	// StatusComplete 完整且校验通过
	StatusComplete
	// StatusCorrupt 结构完整但校验失败，帧已从缓冲区切除
	StatusCorrupt
	// StatusMalformed 长度或序列号字段无法解析，调用方需丢弃 Size 字节后重新同步
	StatusMalformed
)

func (s DecodeStatus) String() string {
	switch s {
	case StatusIncomplete:
		return "INCOMPLETE"
	case StatusComplete:
		return "COMPLETE"
	case StatusCorrupt:
		return "CORRUPT"
	case StatusMalformed:
		return "MALFORMED"
	}
	return "UNKNOWN"
}

// Segment 传输段
type Segment struct {
	Seq     uint64
	Payload []byte
}

// IsAck 是否为 ACK 段
func (s *Segment) IsAck() bool {
	return bytes.Equal(s.Payload, ackToken)
}

func (s *Segment) String() string {
	if s.IsAck() {
		return fmt.Sprintf("ACK(%d)", s.Seq)
	}
	return fmt.Sprintf("DATA(%d, %d bytes)", s.Seq, len(s.Payload))
}

// DecodeResult 解码结果
//
// Size 是调用方应从缓冲区头部移除的字节数:
// Complete/Corrupt 为整帧长度，Malformed 至少为 1，Incomplete 为 0。
// Corrupt 时 Segment 携带未经校验的字段，仅供分类参考。
type DecodeResult struct {
	Status  DecodeStatus
	Segment *Segment
	Size    int
}

// =============================================================================
// 编解码器
// =============================================================================

// Codec 段编解码器
type Codec struct {
	digest     Digest
	digestName string
}

var defaultCodec = &Codec{digest: md5Digest, digestName: DigestMD5}

// NewCodec 按摘要算法名创建编解码器
func NewCodec(digestName string) (*Codec, error) {
	if digestName == "" {
		digestName = DigestMD5
	}
	d, err := LookupDigest(digestName)
	if err != nil {
		return nil, err
	}
	return &Codec{digest: d, digestName: digestName}, nil
}

// DefaultCodec 返回 MD5 编解码器
func DefaultCodec() *Codec {
	return defaultCodec
}

// DigestName 摘要算法名
func (c *Codec) DigestName() string {
	return c.digestName
}

// Encode 编码一个段
func (c *Codec) Encode(seq uint64, payload []byte) ([]byte, error) {
	if seq > MaxFieldValue {
		return nil, fmt.Errorf("%w: %d", ErrSeqOverflow, seq)
	}
	total := HeaderSize + len(payload)
	if total > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, total, MaxFrameSize)
	}

	lengthField := formatField(uint64(total))
	seqField := formatField(seq)

	frame := make([]byte, 0, total)
	frame = append(frame, lengthField...)
	frame = append(frame, seqField...)
	frame = append(frame, c.checksum(lengthField, seqField, payload)...)
	frame = append(frame, payload...)
	return frame, nil
}

// EncodeAck 编码 ACK(seq)
func (c *Codec) EncodeAck(seq uint64) ([]byte, error) {
	return c.Encode(seq, ackToken)
}

// Decode 从缓冲区头部解析一帧
//
// 先校验摘要再解析序列号: 序列号区域被改写时报告 Corrupt 而不是 Malformed，
// 这样接收方仍会重发累积确认。
func (c *Codec) Decode(buf []byte) DecodeResult {
	if len(buf) < LengthFieldSize {
		return DecodeResult{Status: StatusIncomplete}
	}

	length, ok := parseField(buf[:LengthFieldSize])
	if !ok || length < HeaderSize || length > MaxFrameSize {
		return DecodeResult{Status: StatusMalformed, Size: 1}
	}
	size := int(length)
	if len(buf) < size {
		return DecodeResult{Status: StatusIncomplete}
	}

	frame := buf[:size]
	lengthField := frame[:LengthFieldSize]
	seqField := frame[LengthFieldSize : LengthFieldSize+SeqFieldSize]
	checksumField := frame[LengthFieldSize+SeqFieldSize : HeaderSize]
	payload := make([]byte, size-HeaderSize)
	copy(payload, frame[HeaderSize:])

	if !bytes.Equal(checksumField, c.checksum(lengthField, seqField, payload)) {
		seq, _ := parseField(seqField)
		return DecodeResult{
			Status:  StatusCorrupt,
			Segment: &Segment{Seq: seq, Payload: payload},
			Size:    size,
		}
	}

	seq, ok := parseField(seqField)
	if !ok {
		return DecodeResult{Status: StatusMalformed, Size: size}
	}

	return DecodeResult{
		Status:  StatusComplete,
		Segment: &Segment{Seq: seq, Payload: payload},
		Size:    size,
	}
}

func (c *Codec) checksum(lengthField, seqField, payload []byte) []byte {
	data := make([]byte, 0, len(lengthField)+len(seqField)+len(payload))
	data = append(data, lengthField...)
	data = append(data, seqField...)
	data = append(data, payload...)
	return []byte(c.digest(data))
}

// Encode 使用默认 (MD5) 编解码器编码
func Encode(seq uint64, payload []byte) ([]byte, error) {
	return defaultCodec.Encode(seq, payload)
}

// Decode 使用默认 (MD5) 编解码器解码
func Decode(buf []byte) DecodeResult {
	return defaultCodec.Decode(buf)
}

// =============================================================================
// 辅助函数
// =============================================================================

func formatField(v uint64) []byte {
	return []byte(fmt.Sprintf("%010d", v))
}

// parseField 解析 10 位十进制字段，不允许符号和空白
func parseField(b []byte) (uint64, bool) {
	for _, ch := range b {
		if ch < '0' || ch > '9' {
			return 0, false
		}
	}
	v, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
