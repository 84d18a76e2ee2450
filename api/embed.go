package api

import (
	"context"
	"embed"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed openapi/*.yaml
var OpenAPIFS embed.FS

//go:embed docs/index.html
var DocsFS embed.FS

// SpecPath 内嵌 OpenAPI 文档路径
const SpecPath = "openapi/runs.yaml"

// SpecYAML 返回内嵌的 OpenAPI 文档原文
func SpecYAML() ([]byte, error) {
	return OpenAPIFS.ReadFile(SpecPath)
}

// LoadSpec 解析并校验内嵌的 OpenAPI 文档
func LoadSpec() (*openapi3.T, error) {
	data, err := SpecYAML()
	if err != nil {
		return nil, err
	}
	doc, err := openapi3.NewLoader().LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("load openapi document: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("invalid openapi document: %w", err)
	}
	return doc, nil
}
