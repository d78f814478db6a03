package main

import (
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"time"

	"gateway/internal/auth"
)

// 运维辅助工具：生成保险库主密钥，或用共享密钥签发调试 JWT。
func main() {
	mode := flag.String("mode", "master-key", "生成内容 master-key/jwt")
	secret := flag.String("secret", "", "JWT 签名密钥（mode=jwt 时必填）")
	issuer := flag.String("issuer", "credit-gateway", "JWT 签发者")
	owner := flag.String("owner", "", "JWT 主体 owner id（mode=jwt 时必填）")
	role := flag.String("role", "caller", "JWT 角色 caller/admin")
	ttl := flag.Duration("ttl", 24*time.Hour, "JWT 有效期")
	flag.Parse()

	switch *mode {
	case "master-key":
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			log.Fatalf("生成随机密钥失败: %v", err)
		}
		fmt.Printf("VAULT_MASTER_KEY=%s\n", base64.StdEncoding.EncodeToString(buf))
	case "jwt":
		if *secret == "" || *owner == "" {
			log.Fatal("mode=jwt 需要 -secret 与 -owner")
		}
		svc := auth.NewJWTService(*secret, *issuer, nil)
		token, err := svc.GenerateToken(*owner, *role, *ttl)
		if err != nil {
			log.Fatalf("签发调试令牌失败: %v", err)
		}
		fmt.Println(token)
	default:
		log.Fatalf("未知 mode: %s", *mode)
	}
}
