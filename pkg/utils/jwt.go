package utils

import (
	"errors"
	"fmt"
	"time"

	"broadcast-scheduling-backend/pkg/models"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenTypeAccess  = "access"
	defaultAccessTTL = 15 * time.Minute
	maxAccessTTL     = 30 * 24 * time.Hour
)

var (
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenType      = errors.New("invalid token type")
	ErrTokenMalformed = errors.New("invalid token")
)

// JWTService 签发与校验组织者会话令牌
type JWTService struct {
	secretKey []byte
	now       func() time.Time
}

// NewJWTService 创建JWT服务
func NewJWTService(secretKey string) *JWTService {
	return &JWTService{secretKey: []byte(secretKey), now: time.Now}
}

// WithClock 替换时钟，测试用
func (j *JWTService) WithClock(now func() time.Time) *JWTService {
	return &JWTService{secretKey: j.secretKey, now: now}
}

// GenerateAccessToken 生成访问令牌；ttl<=0 时使用 15 分钟
func (j *JWTService) GenerateAccessToken(userID, email string, ttl time.Duration) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, fmt.Errorf("generate access token: user id is empty")
	}
	if ttl <= 0 {
		ttl = defaultAccessTTL
	}
	if ttl > maxAccessTTL {
		ttl = maxAccessTTL
	}
	now := j.now()
	expiry := now.Add(ttl)

	claims := &models.TokenClaims{
		UserID: userID,
		Email:  email,
		Type:   tokenTypeAccess,
		Exp:    expiry.Unix(),
		Iat:    now.Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secretKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate access token: %w", err)
	}
	return signed, expiry, nil
}

// ValidateAccessToken 验证访问令牌并返回声明
func (j *JWTService) ValidateAccessToken(tokenString string) (*models.TokenClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(j.now),
	)
	token, err := parser.ParseWithClaims(tokenString, &models.TokenClaims{}, func(*jwt.Token) (interface{}, error) {
		return j.secretKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}

	claims, ok := token.Claims.(*models.TokenClaims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrTokenMalformed
	}
	if claims.Type != tokenTypeAccess {
		return nil, ErrTokenType
	}
	// 兜底：exp 精确到秒
	if j.now().Unix() > claims.Exp {
		return nil, ErrTokenExpired
	}
	return claims, nil
}

// ExtractUserFromToken 从令牌中提取用户信息
func (j *JWTService) ExtractUserFromToken(tokenString string) (*models.User, error) {
	claims, err := j.ValidateAccessToken(tokenString)
	if err != nil {
		return nil, err
	}
	return &models.User{ID: claims.UserID, Email: claims.Email}, nil
}
