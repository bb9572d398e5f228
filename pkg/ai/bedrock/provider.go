// Package bedrock implements ai.Provider on the AWS Bedrock runtime.
// OCR and structured extraction go through the Converse API with document
// or image content blocks; embeddings use Titan via InvokeModel.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/hashicorp/go-hclog"

	"github.com/chittyos/evidence-core/pkg/ai"
)

// RuntimeAPI is the subset of the Bedrock runtime client the provider
// uses. Narrowed for mocking in tests.
type RuntimeAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Config holds Bedrock configuration.
type Config struct {
	Region         string // default: us-east-1
	VisionModel    string // Converse model for OCR and extraction
	EmbeddingModel string // Titan model for embeddings
	MaxTokens      int    // per-request output cap

	Client RuntimeAPI // optional; built from the default AWS config when nil
	Logger hclog.Logger
}

// Provider implements ai.Provider using AWS Bedrock.
type Provider struct {
	client         RuntimeAPI
	visionModel    string
	embeddingModel string
	maxTokens      int
	logger         hclog.Logger
}

// NewProvider creates a new Bedrock provider.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = "us.anthropic.claude-3-7-sonnet-20250219-v1:0"
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "amazon.titan-embed-text-v2:0"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 8192
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	client := cfg.Client
	if client == nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client = bedrockruntime.NewFromConfig(awsCfg)
	}

	return &Provider{
		client:         client,
		visionModel:    cfg.VisionModel,
		embeddingModel: cfg.EmbeddingModel,
		maxTokens:      cfg.MaxTokens,
		logger:         cfg.Logger.Named("bedrock"),
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "bedrock"
}

// ExtractText performs OCR by sending the document bytes to the vision
// model as a document or image content block.
func (p *Provider) ExtractText(ctx context.Context, req *ai.OCRRequest) (*ai.OCRResponse, error) {
	block, err := contentBlockFor(req)
	if err != nil {
		return nil, err
	}

	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(p.visionModel),
		Messages: []types.Message{
			{
				Role: types.ConversationRoleUser,
				Content: []types.ContentBlock{
					block,
					&types.ContentBlockMemberText{
						Value: "Transcribe the full text of this document verbatim. " +
							"Preserve reading order. Output only the transcription.",
					},
				},
			},
		},
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens:   aws.Int32(int32(p.maxTokens)),
			Temperature: aws.Float32(0.0),
		},
	}

	p.logger.Debug("sending OCR request", "model", p.visionModel, "bytes", len(req.Content), "mime", req.MimeType)

	resp, err := p.client.Converse(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("bedrock converse failed: %w", err)
	}

	text, err := firstText(resp)
	if err != nil {
		return nil, err
	}

	out := &ai.OCRResponse{Text: text, Model: p.visionModel}
	if resp.Usage != nil && resp.Usage.TotalTokens != nil {
		out.TokensUsed = int(*resp.Usage.TotalTokens)
	}
	return out, nil
}

// ExtractStructured asks the vision model to classify and extract, with a
// system prompt that forbids guessing.
func (p *Provider) ExtractStructured(ctx context.Context, req *ai.ExtractionRequest) (*ai.ExtractionResponse, error) {
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(p.visionModel),
		Messages: []types.Message{
			{
				Role: types.ConversationRoleUser,
				Content: []types.ContentBlock{
					&types.ContentBlockMemberText{Value: buildExtractionPrompt(req)},
				},
			},
		},
		System: []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: extractionSystemPrompt},
		},
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens:   aws.Int32(int32(p.maxTokens)),
			Temperature: aws.Float32(0.1),
		},
	}

	p.logger.Debug("sending extraction request", "model", p.visionModel, "ocr_length", len(req.OCRText))

	resp, err := p.client.Converse(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("bedrock converse failed: %w", err)
	}

	text, err := firstText(resp)
	if err != nil {
		return nil, err
	}

	out := &ai.ExtractionResponse{RawJSON: stripCodeFence(text), Model: p.visionModel}
	if resp.Usage != nil && resp.Usage.TotalTokens != nil {
		out.TokensUsed = int(*resp.Usage.TotalTokens)
	}
	return out, nil
}

// GenerateEmbedding creates a Titan embedding via InvokeModel.
func (p *Provider) GenerateEmbedding(ctx context.Context, req *ai.EmbeddingRequest) (*ai.EmbeddingResponse, error) {
	dimensions := req.Dimensions
	if dimensions == 0 {
		dimensions = 1024
	}

	body, err := json.Marshal(map[string]interface{}{
		"inputText":  req.Text,
		"dimensions": dimensions,
		"normalize":  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	resp, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(p.embeddingModel),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock invoke failed: %w", err)
	}

	var parsed struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse embedding response: %w", err)
	}
	if len(parsed.Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding from model %s", p.embeddingModel)
	}

	return &ai.EmbeddingResponse{
		Embedding:   parsed.Embedding,
		Model:       p.embeddingModel,
		Dimensions:  len(parsed.Embedding),
		GeneratedAt: time.Now(),
	}, nil
}

const extractionSystemPrompt = `You extract structured data from legal documents. You never guess.
When a value is illegible, ambiguous, or absent, emit a placeholder of the exact form
{{UNKNOWN:<type>:<partial-hint>}} where <type> is one of: entity_name, date, amount,
address, relationship, authority_scope, document_reference, identifier. Every placeholder
you emit MUST have a corresponding object in the top-level "unknowns" array describing
its type, partialValue, contextClues, resolutionHints, fieldPath, and confidence.
Respond with a single JSON object and nothing else.`

// buildExtractionPrompt assembles the user prompt with the response schema.
func buildExtractionPrompt(req *ai.ExtractionRequest) string {
	var b strings.Builder

	b.WriteString("Classify the following document and extract its structured fields.\n\n")
	b.WriteString("Respond with JSON matching this shape:\n")
	b.WriteString(`{
  "documentType": "<one of: poa_general, poa_healthcare, poa_financial, poa_limited, llc_formation, llc_operating_agreement, corporate_resolution, corporate_bylaws, financial_statement, bank_statement, contract, deed, trust, will, court_filing, correspondence, other>",
  "title": "...",
  "effectiveDate": "YYYY-MM-DD or placeholder",
  "expirationDate": "YYYY-MM-DD, null, or placeholder",
  "parties": [{"name": "...", "role": "grantor|grantee|...", "kind": "person|llc|corporation|trust|partnership|estate", "confidence": 0.0}],
  "authorityGrants": [{"grantorName": "...", "granteeName": "...", "type": "...", "scope": {}, "effectiveDate": "...", "expirationDate": null}],
  "keyTerms": ["..."],
  "fields": {},
  "unknowns": [{"type": "...", "partialValue": "...", "contextClues": ["..."], "resolutionHints": ["..."], "fieldPath": "parties[0].name", "confidence": 0.0}]
}`)
	b.WriteString("\n\n")
	if req.Filename != "" {
		b.WriteString(fmt.Sprintf("Filename: %s\n\n", req.Filename))
	}
	b.WriteString("Document text:\n\n")

	// Truncate very long OCR text; classification signal lives up front.
	text := req.OCRText
	const maxChars = 48000
	if len(text) > maxChars {
		text = text[:maxChars] + "\n\n[Content truncated]"
	}
	b.WriteString(text)

	return b.String()
}

// contentBlockFor picks a document or image block based on MIME type.
func contentBlockFor(req *ai.OCRRequest) (types.ContentBlock, error) {
	switch {
	case req.MimeType == "application/pdf":
		return &types.ContentBlockMemberDocument{
			Value: types.DocumentBlock{
				Format: types.DocumentFormatPdf,
				Name:   aws.String(documentName(req.Filename)),
				Source: &types.DocumentSourceMemberBytes{Value: req.Content},
			},
		}, nil
	case strings.HasPrefix(req.MimeType, "image/"):
		format, err := imageFormatFor(req.MimeType)
		if err != nil {
			return nil, err
		}
		return &types.ContentBlockMemberImage{
			Value: types.ImageBlock{
				Format: format,
				Source: &types.ImageSourceMemberBytes{Value: req.Content},
			},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported MIME type for OCR: %s", req.MimeType)
	}
}

func imageFormatFor(mimeType string) (types.ImageFormat, error) {
	switch mimeType {
	case "image/png":
		return types.ImageFormatPng, nil
	case "image/jpeg", "image/jpg":
		return types.ImageFormatJpeg, nil
	case "image/gif":
		return types.ImageFormatGif, nil
	case "image/webp":
		return types.ImageFormatWebp, nil
	default:
		return "", fmt.Errorf("unsupported image MIME type: %s", mimeType)
	}
}

// documentName sanitizes the filename for the Converse document block,
// which rejects most punctuation.
func documentName(filename string) string {
	if filename == "" {
		return "document"
	}
	var b strings.Builder
	for _, r := range filename {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == ' ':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	name := strings.TrimSpace(b.String())
	if name == "" {
		return "document"
	}
	return name
}

// firstText extracts the first text block from a Converse response.
func firstText(resp *bedrockruntime.ConverseOutput) (string, error) {
	if resp.Output == nil {
		return "", fmt.Errorf("no output in Bedrock response")
	}
	message, ok := resp.Output.(*types.ConverseOutputMemberMessage)
	if !ok || len(message.Value.Content) == 0 {
		return "", fmt.Errorf("no message content in Bedrock response")
	}
	for _, block := range message.Value.Content {
		if textBlock, ok := block.(*types.ContentBlockMemberText); ok && textBlock.Value != "" {
			return textBlock.Value, nil
		}
	}
	return "", fmt.Errorf("empty response from Bedrock")
}

// stripCodeFence removes a surrounding markdown code fence if present.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
