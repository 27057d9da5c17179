package turn

import (
	"context"
	"errors"
	"net"

	"github.com/chadiek/avatar-overlay/internal/llm"
)

// ErrToolFailed aborts a turn whose tool invocation produced nothing.
var ErrToolFailed = errors.New("turn: tool invocation failed")

// ErrEmptyText rejects a blank submission.
var ErrEmptyText = errors.New("turn: empty text")

// Category is the user-facing class of a failed turn.
type Category string

const (
	Network     Category = "network"
	Auth        Category = "auth"
	Forbidden   Category = "forbidden"
	NotFound    Category = "not_found"
	RateLimited Category = "rate_limited"
	Server      Category = "server"
	Parse       Category = "parse"
	Tool        Category = "tool"
	Unknown     Category = "unknown"
)

var captions = map[Category]string{
	Network:     "网络连接失败，请检查网络和API地址",
	Auth:        "API密钥错误，请检查配置",
	Forbidden:   "API访问受限，请联系支持",
	NotFound:    "无效的API地址，请检查配置",
	RateLimited: "请求频率超限，请稍后再试",
	Server:      "AI服务不可用，请稍后再试",
	Parse:       "解析API响应出错，请重试",
	Tool:        "功能扩展调用失败，请重试",
	Unknown:     "抱歉，出现了一个错误",
}

// Classify maps err to a category. Cancellation is not a failure and has
// no category; callers check for it first.
func Classify(err error) Category {
	var apiErr *llm.APIError
	switch {
	case errors.As(err, &apiErr):
		switch {
		case apiErr.Status == 401:
			return Auth
		case apiErr.Status == 403:
			return Forbidden
		case apiErr.Status == 404:
			return NotFound
		case apiErr.Status == 429:
			return RateLimited
		case apiErr.Status >= 500:
			return Server
		}
		return Unknown
	case errors.Is(err, llm.ErrMissingKey):
		return Auth
	case errors.Is(err, ErrToolFailed):
		return Tool
	case errors.Is(err, llm.ErrParse):
		return Parse
	case errors.Is(err, context.DeadlineExceeded):
		return Network
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Network
	}
	return Unknown
}

// Caption is the short text shown to the user for err. It never carries
// the error text itself; that goes to the log.
func Caption(err error) string {
	return captions[Classify(err)]
}
