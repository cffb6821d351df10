package middleware

import (
	"mime"
	"net/http"

	"broadcast-scheduling-backend/pkg/utils"
)

// ContentTypeJSON 验证带请求体的写请求为 application/json。
// 空请求体（如 cancel）不要求 Content-Type。
func ContentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			contentType := r.Header.Get("Content-Type")
			if contentType == "" {
				if r.ContentLength != 0 {
					utils.WriteBadRequestResponse(w, "Content-Type header is required")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			// 忽略charset等参数
			mediaType, _, err := mime.ParseMediaType(contentType)
			if err != nil || mediaType != "application/json" {
				utils.WriteBadRequestResponse(w, "Content-Type must be application/json")
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// MaxBodySize 限制请求体大小
func MaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
