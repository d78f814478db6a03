package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrMasterKeyMissing 主密钥未注入
// 属于配置缺陷，进程必须在启动期拒绝服务。
var ErrMasterKeyMissing = errors.New("保险库主密钥未配置 (VAULT_MASTER_KEY)")

// Cipher 凭据加密器（AES-256-GCM）
// 每次加密使用 CSPRNG 生成的新 nonce；密文、nonce 与认证标签分段返回，
// 由调用方分列持久化。
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher 由主密钥派生数据密钥并构建加密器
// 派生使用 HKDF-SHA256 并以用途串作为 info，主密钥本身不直接用作 AES 密钥。
func NewCipher(masterKey string) (*Cipher, error) {
	if masterKey == "" {
		return nil, ErrMasterKeyMissing
	}

	kdf := hkdf.New(sha256.New, []byte(masterKey), nil, []byte("gateway/provider-token/v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("派生数据密钥失败: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("初始化 AES 失败: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("初始化 GCM 失败: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// Encrypt 加密明文凭据，返回密文、nonce、认证标签三段
func (c *Cipher) Encrypt(plain string) (ciphertext, nonce, authTag []byte, err error) {
	if plain == "" {
		return nil, nil, nil, errors.New("凭据明文不能为空")
	}

	nonce = make([]byte, c.aead.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("生成 nonce 失败: %w", err)
	}

	sealed := c.aead.Seal(nil, nonce, []byte(plain), nil)
	tagAt := len(sealed) - c.aead.Overhead()
	return sealed[:tagAt], nonce, sealed[tagAt:], nil
}

// Decrypt 解密凭据
// 三段中任何一段被篡改都会导致认证失败。
func (c *Cipher) Decrypt(ciphertext, nonce, authTag []byte) (string, error) {
	if len(nonce) != c.aead.NonceSize() {
		return "", errors.New("nonce 长度非法")
	}

	sealed := make([]byte, 0, len(ciphertext)+len(authTag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, authTag...)

	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("凭据解密失败: %w", err)
	}
	return string(plain), nil
}
