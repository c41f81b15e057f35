package utils

import (
	"encoding/json"
	"log"
	"net/http"
)

// MaxBodyBytes 限制单个 JSON 请求体的大小
const MaxBodyBytes = 64 << 10

// RespondJSON 发送JSON响应
func RespondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

// RespondError 发送错误响应
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, map[string]string{"error": message})
}

// RespondErrorHint 发送带提示信息的错误响应，供前端直接展示给用户
func RespondErrorHint(w http.ResponseWriter, status int, message, hint string) {
	RespondJSON(w, status, map[string]string{"error": message, "hint": hint})
}

// DecodeJSON 读取并解析请求体，超过 MaxBodyBytes 时返回错误
func DecodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}
