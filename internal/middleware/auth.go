// Package middleware 中间件
package middleware

import (
	"context"
	"crypto/hmac"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/orderfeed/ingest/internal/repository"
	apperrors "github.com/orderfeed/ingest/pkg/errors"
	"github.com/orderfeed/ingest/pkg/response"
)

// credential 单条密钥凭证，配置了 bcrypt 哈希时优先按哈希校验
type credential struct {
	plain string
	hash  string
}

func (c credential) matches(key string) bool {
	if c.hash != "" {
		return bcrypt.CompareHashAndPassword([]byte(c.hash), []byte(key)) == nil
	}
	if c.plain != "" {
		return hmac.Equal([]byte(c.plain), []byte(key))
	}
	return false
}

// KeyRing 进件端点的 API Key 配置：按合作方一条，外加可选主密钥。
// 主密钥对任何合作方路径都放行。
type KeyRing struct {
	partner map[repository.PartnerID]credential
	master  credential
}

func NewKeyRing() *KeyRing {
	return &KeyRing{partner: make(map[repository.PartnerID]credential)}
}

// SetPartnerKey 配置合作方密钥，hash 非空时忽略明文
func (k *KeyRing) SetPartnerKey(p repository.PartnerID, plain, hash string) {
	k.partner[p] = credential{plain: plain, hash: hash}
}

// SetMasterKey 配置主密钥
func (k *KeyRing) SetMasterKey(plain, hash string) {
	k.master = credential{plain: plain, hash: hash}
}

// Authorize 校验 apiKey 是否可代表 partner 进件
func (k *KeyRing) Authorize(partner repository.PartnerID, apiKey string) bool {
	if k.master.matches(apiKey) {
		return true
	}
	return k.partner[partner].matches(apiKey)
}

// PartnerResolver 从请求中解析合作方标识
type PartnerResolver func(*http.Request) (repository.PartnerID, bool)

// FeedPathPartner 从 /api/feed/{partner}[/batch] 路径解析合作方
func FeedPathPartner(r *http.Request) (repository.PartnerID, bool) {
	rest, ok := strings.CutPrefix(r.URL.Path, "/api/feed/")
	if !ok {
		return "", false
	}
	seg, _, _ := strings.Cut(rest, "/")
	return repository.ParsePartnerID(seg)
}

// FeedAuth 进件端点鉴权：缺头 401，未知合作方 400，密钥不符 403
func FeedAuth(ring *KeyRing, resolve PartnerResolver) func(http.Handler) http.Handler {
	if resolve == nil {
		resolve = FeedPathPartner
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := strings.TrimSpace(r.Header.Get("X-API-Key"))
			if apiKey == "" {
				response.WriteErrorCode(w, r, apperrors.CodeMissingAPIKey, "")
				return
			}

			partner, ok := resolve(r)
			if !ok {
				response.WriteErrorCode(w, r, apperrors.CodeUnknownPartner, "")
				return
			}

			if !ring.Authorize(partner, apiKey) {
				response.WriteErrorCode(w, r, apperrors.CodeInvalidAPIKey, "")
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithPartner(r.Context(), partner)))
		})
	}
}

type contextKey string

const partnerKey contextKey = "partnerId"

// ContextWithPartner 将鉴权通过的合作方写入上下文
func ContextWithPartner(ctx context.Context, partner repository.PartnerID) context.Context {
	return context.WithValue(ctx, partnerKey, partner)
}

// PartnerFromContext 读取鉴权通过的合作方
func PartnerFromContext(ctx context.Context) (repository.PartnerID, bool) {
	v, ok := ctx.Value(partnerKey).(repository.PartnerID)
	return v, ok
}
