// Package gemini は日報テキストの分類を Gemini API に委譲する.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"nippo/internal/domain"
)

const defaultModel = "gemini-2.5-flash"

// Generator はプロンプトからJSONテキストを生成する
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Classifier は Generator を使った分類器
type Classifier struct {
	generator Generator
}

var _ domain.Classifier = (*Classifier)(nil)

// NewClassifier は任意の Generator で分類器を作成
func NewClassifier(generator Generator) *Classifier {
	return &Classifier{generator: generator}
}

// Classify は日報テキストを社員・日付・部門ごとのエントリに分ける
func (c *Classifier) Classify(ctx context.Context, rawText string) ([]domain.Entry, error) {
	if c.generator == nil {
		return nil, domain.ErrCredentialMissing
	}

	text, err := c.generator.Generate(ctx, buildPrompt(rawText))
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}

	return parseEntries(text)
}

// parseEntries はモデル出力をデコードする. 値の検証は正規化の後で行う.
func parseEntries(text string) ([]domain.Entry, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty response", domain.ErrMalformedOutput)
	}

	var entries []domain.Entry
	if err := json.Unmarshal([]byte(text), &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedOutput, err)
	}

	if entries == nil {
		return nil, fmt.Errorf("%w: not an array", domain.ErrMalformedOutput)
	}
	return entries, nil
}

func buildPrompt(rawText string) string {
	depts := make([]string, 0, len(domain.Departments()))
	for _, d := range domain.Departments() {
		depts = append(depts, string(d))
	}

	var b strings.Builder
	b.WriteString("以下は小売店舗スタッフの業務日報チャットログです。\n")
	b.WriteString("社員ごと・日付ごと・部門ごとに分けて JSON 配列で返してください。\n")
	b.WriteString("- employeeName: 社員名\n")
	b.WriteString("- date: YYYY-MM-DD 形式の日付\n")
	b.WriteString("- department: 次のいずれか: " + strings.Join(depts, ", ") + "\n")
	b.WriteString("- content: 日報本文。改行を含め原文のまま\n\n")
	b.WriteString("---\n")
	b.WriteString(rawText)
	return b.String()
}

// entrySchema は構造化出力のスキーマ
func entrySchema() *genai.Schema {
	depts := make([]string, 0, len(domain.Departments()))
	for _, d := range domain.Departments() {
		depts = append(depts, string(d))
	}

	return &genai.Schema{
		Type: genai.TypeArray,
		Items: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"employeeName": {Type: genai.TypeString},
				"date":         {Type: genai.TypeString, Description: "YYYY-MM-DD"},
				"department":   {Type: genai.TypeString, Enum: depts},
				"content":      {Type: genai.TypeString},
			},
			Required: []string{"employeeName", "date", "department", "content"},
		},
	}
}

// GenAIGenerator は google.golang.org/genai を使う Generator
type GenAIGenerator struct {
	client *genai.Client
	model  string
}

// NewGenAIGenerator は新しい GenAIGenerator を作成
func NewGenAIGenerator(ctx context.Context, apiKey, model string) (*GenAIGenerator, error) {
	if apiKey == "" {
		return nil, domain.ErrCredentialMissing
	}
	if model == "" {
		model = defaultModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAIGenerator{client: client, model: model}, nil
}

// Generate はJSONモードでコンテンツを生成する
func (g *GenAIGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	temperature := float32(0)
	result, err := g.client.Models.GenerateContent(ctx,
		g.model,
		genai.Text(prompt),
		&genai.GenerateContentConfig{
			Temperature:      &temperature,
			ResponseMIMEType: "application/json",
			ResponseSchema:   entrySchema(),
		},
	)
	if err != nil {
		return "", fmt.Errorf("GenAI generate failed: %w", err)
	}
	return result.Text(), nil
}
