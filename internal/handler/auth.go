package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cardledger/internal/model"
	"cardledger/internal/repository"
	"cardledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const actorKey = "actor"

var errInvalidToken = errors.New("invalid token")

// TokenVerifier HS256 令牌，sub 为用户ID
type TokenVerifier struct {
	secret []byte
}

func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

func (v *TokenVerifier) ParseUserID(tokenString string) (int64, error) {
	if len(v.secret) == 0 {
		return 0, errInvalidToken
	}
	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(5*time.Second))
	if err != nil || !tok.Valid {
		return 0, errInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return 0, errInvalidToken
	}
	id, err := strconv.ParseInt(sub, 10, 64)
	if err != nil || id <= 0 {
		return 0, errInvalidToken
	}
	return id, nil
}

// Sign 签发令牌，运维脚本与测试使用
func (v *TokenVerifier) Sign(userID int64, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": strconv.FormatInt(userID, 10),
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// AuthMiddleware 校验令牌并加载操作人，角色与状态以库里为准
func AuthMiddleware(verifier *TokenVerifier, store repository.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			response.Unauthorized(c, "缺少访问令牌")
			return
		}
		userID, err := verifier.ParseUserID(strings.TrimPrefix(h, "Bearer "))
		if err != nil {
			response.Unauthorized(c, "访问令牌无效")
			return
		}
		actor, err := store.GetUser(c.Request.Context(), userID)
		if err != nil {
			response.Unauthorized(c, "用户不存在")
			return
		}
		if actor.Status != model.UserStatusActive {
			response.Fail(c, http.StatusForbidden, response.CodeUserInactive, "用户已停用", nil)
			return
		}
		c.Set(actorKey, actor)
		c.Next()
	}
}

func actorFrom(c *gin.Context) *model.User {
	v, _ := c.Get(actorKey)
	actor, _ := v.(*model.User)
	return actor
}
