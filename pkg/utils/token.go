package utils

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// minTokenBytes 邀请令牌至少 128 位熵
const minTokenBytes = 16

// GenerateURLToken 生成 URL-safe 的随机 token，长度约为 4/3*n 字符。
// n 为原始随机字节数，小于 16 时按 16 处理。
func GenerateURLToken(n int) (string, error) {
	if n < minTokenBytes {
		n = minTokenBytes
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	// RawURLEncoding 不含 '=' '+' '/'，可直接放进路径
	return base64.RawURLEncoding.EncodeToString(b), nil
}
