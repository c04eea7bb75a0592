package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"
)

// HashLength 是十六进制内容哈希的固定长度。
const HashLength = sha1.Size * 2

// Hash 是 blob 的内容地址：SHA-1 的大写十六进制表示。
type Hash string

// ErrInvalidHash 表示字符串不是合法的内容哈希。
var ErrInvalidHash = errors.New("invalid content hash")

// ParseHash 校验并规范化（转大写）外部传入的哈希。
func ParseHash(raw string) (Hash, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	if len(normalized) != HashLength {
		return "", fmt.Errorf("%w: %q", ErrInvalidHash, raw)
	}
	if _, err := hex.DecodeString(normalized); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidHash, raw)
	}
	return Hash(normalized), nil
}

// Valid 判断当前值是否是规范化后的哈希。
func (h Hash) Valid() bool {
	parsed, err := ParseHash(string(h))
	return err == nil && parsed == h
}

func (h Hash) String() string {
	return string(h)
}

// HashBytes 计算一段内容的哈希。
func HashBytes(data []byte) Hash {
	sum := sha1.Sum(data)
	return encodeSum(sum[:])
}

// HashReader 流式计算 r 的哈希，同时返回读取的字节数。
func HashReader(r io.Reader) (Hash, int64, error) {
	h := newHasher()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return encodeSum(h.Sum(nil)), n, nil
}

func newHasher() hash.Hash {
	return sha1.New()
}

func encodeSum(sum []byte) Hash {
	return Hash(strings.ToUpper(hex.EncodeToString(sum)))
}
