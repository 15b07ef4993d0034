// Package protection 提供主邮箱等敏感字符串的加密存储和不可逆哈希。
package protection

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	keySize   = 32 // AES-256
	nonceSize = 16
	tagSize   = 16

	// envelopeVersion 密文信封版本前缀，为以后的密钥轮换预留
	envelopeVersion = "v1"
)

var (
	// ErrInvalidKey 密钥不是 base64 编码的 32 字节
	ErrInvalidKey = errors.New("encryption key must be base64 encoded 32 bytes")
	// ErrDecrypt 密文格式错误或认证失败
	ErrDecrypt = errors.New("failed to decrypt value")
)

// Protector 使用 AES-256-GCM 加解密字符串
type Protector struct {
	aead cipher.AEAD
}

// New 根据 base64 编码的密钥创建 Protector
func New(encodedKey string) (*Protector, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encodedKey))
	if err != nil || len(key) != keySize {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Protector{aead: aead}, nil
}

// GenerateKey 生成新的随机密钥（base64）
func GenerateKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Encrypt 加密明文
//
// 输出格式: v1:base64(密文):base64(iv):base64(tag)
func (p *Protector) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, nonceSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	sealed := p.aead.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return strings.Join([]string{
		envelopeVersion,
		base64.StdEncoding.EncodeToString(ct),
		base64.StdEncoding.EncodeToString(iv),
		base64.StdEncoding.EncodeToString(tag),
	}, ":"), nil
}

// Decrypt 解密密文
//
// 同时接受 v1 信封和不带版本号的旧格式 base64(密文):base64(iv):base64(tag)。
// 任何篡改都会返回 ErrDecrypt，不会返回被破坏的明文。
func (p *Protector) Decrypt(envelope string) (string, error) {
	parts := strings.Split(envelope, ":")
	switch {
	case len(parts) == 4 && parts[0] == envelopeVersion:
		parts = parts[1:]
	case len(parts) == 3:
	default:
		return "", ErrDecrypt
	}

	ct, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", ErrDecrypt
	}
	iv, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil || len(iv) != nonceSize {
		return "", ErrDecrypt
	}
	tag, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil || len(tag) != tagSize {
		return "", ErrDecrypt
	}

	plaintext, err := p.aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}

// Hash 返回规范化后值的 sha256 十六进制摘要，用于等值查找
func Hash(value string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(value))))
	return hex.EncodeToString(sum[:])
}
