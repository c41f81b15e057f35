package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/kudos-pass/backend/internal/analysis/positivity"
)

// Config 控制内容审核服务的行为。
type Config struct {
	// LLMEnabled asks the chat model to double-check notes the heuristics accept.
	LLMEnabled bool
}

// Service 先运行启发式规则，再在启用时交给大模型复核，模型异常时回退到启发式结论。
type Service struct {
	enabled  bool
	classify func(ctx context.Context, input map[string]any) (*schema.Message, error)
	fallback func(text string) positivity.Result
}

// NewService 创建内容审核服务。chatModel 为 nil 时只使用启发式规则。
func NewService(ctx context.Context, chatModel model.ChatModel, cfg Config) (*Service, error) {
	svc := &Service{
		enabled:  cfg.LLMEnabled && chatModel != nil,
		fallback: positivity.Check,
	}
	if !svc.enabled {
		return svc, nil
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(moderationSystemPrompt),
		schema.UserMessage(moderationUserPrompt),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile moderation chain: %w", err)
	}

	svc.classify = func(ctx context.Context, input map[string]any) (*schema.Message, error) {
		return runnable.Invoke(ctx, input)
	}
	return svc, nil
}

// Enabled 返回是否启用了大模型复核。
func (s *Service) Enabled() bool {
	return s != nil && s.enabled && s.classify != nil
}

// Check 审核一条便签文本。
func (s *Service) Check(ctx context.Context, text string) positivity.Result {
	fallback := positivity.Check
	if s != nil && s.fallback != nil {
		fallback = s.fallback
	}

	verdict := fallback(text)
	if !verdict.OK || !s.Enabled() {
		return verdict
	}

	msg, err := s.classify(ctx, map[string]any{"note": strings.TrimSpace(text)})
	if err != nil {
		log.Printf("[moderation] classifier invoke failed, use heuristic verdict: %v", err)
		return verdict
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return verdict
	}

	payload, err := parseClassifierOutput(msg.Content)
	if err != nil {
		log.Printf("[moderation] classifier output parse failed, use heuristic verdict: %v", err)
		return verdict
	}
	if payload.Kind {
		return verdict
	}

	hint := strings.TrimSpace(payload.Hint)
	if hint == "" {
		hint = positivity.HintUnkind
	}
	return positivity.Result{OK: false, Hint: hint}
}

// parseClassifierOutput 解析大模型返回的 JSON。
func parseClassifierOutput(content string) (*classifierPayload, error) {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("missing json object")
	}

	payload := &classifierPayload{}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), payload); err != nil {
		return nil, err
	}
	return payload, nil
}

type classifierPayload struct {
	Kind bool   `json:"kind"`
	Hint string `json:"hint"`
}

const moderationSystemPrompt = "You review short appreciation notes that teammates write to each other. Decide whether the note is kind and constructive. Respond with a single JSON object: {\"kind\": true|false, \"hint\": \"one short sentence telling the author how to rephrase, empty when kind\"}. Output nothing else."

const moderationUserPrompt = "Note:\n{note}"
