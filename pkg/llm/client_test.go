package llm

import "testing"

func TestIsThrottleResponse(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   bool
	}{
		{"429 状态码", 429, "", true},
		{"429 带响应体", 429, `{"error":"quota exceeded"}`, true},
		{"响应体报告 rate limit", 503, `{"error":{"message":"Rate limit reached for requests"}}`, true},
		{"响应体报告 too many requests", 500, "Too Many Requests from upstream", true},
		{"响应体报告 throttling", 500, `{"message":"ThrottlingException: request was throttled"}`, true},
		{"普通服务端错误", 500, `{"error":"internal server error"}`, false},
		{"鉴权失败", 401, `{"error":"invalid api key"}`, false},
		{"空响应体", 502, "", false},
	}
	for _, tc := range cases {
		if got := isThrottleResponse(tc.status, []byte(tc.body)); got != tc.want {
			t.Errorf("%s: isThrottleResponse(%d, %q) = %v, 期望 %v", tc.name, tc.status, tc.body, got, tc.want)
		}
	}
}
