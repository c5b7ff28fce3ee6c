// =============================================================================
// 文件: internal/protocol/digest.go
// 描述: 校验摘要 - 输出固定 32 个十六进制字符
// =============================================================================

package protocol

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// 支持的摘要算法
const (
	DigestMD5     = "md5"
	DigestBLAKE2b = "blake2b"
)

// Digest 摘要函数，返回 ChecksumFieldSize 个十六进制字符
type Digest func(data []byte) string

var digests = map[string]Digest{
	DigestMD5:     md5Digest,
	DigestBLAKE2b: blake2bDigest,
}

// LookupDigest 按名称查找摘要算法
func LookupDigest(name string) (Digest, error) {
	d, ok := digests[name]
	if !ok {
		return nil, fmt.Errorf("不支持的摘要算法: %s (支持: md5, blake2b)", name)
	}
	return d, nil
}

// SupportedDigests 返回支持的摘要算法名
func SupportedDigests() []string {
	return []string{DigestMD5, DigestBLAKE2b}
}

func md5Digest(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// blake2bDigest BLAKE2b-128，十六进制后同为 32 字符
func blake2bDigest(data []byte) string {
	h, err := blake2b.New(ChecksumFieldSize/2, nil)
	if err != nil {
		// 仅在输出长度非法时发生
		panic(err)
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
