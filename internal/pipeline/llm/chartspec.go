package llm

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidChartSpec chart_spec 步骤输出不满足图表载荷约定
var ErrInvalidChartSpec = errors.New("invalid chart spec")

// chartSeries 单条数据序列；字段保留原始 JSON 以区分缺失与类型错误
type chartSeries struct {
	Name   json.RawMessage   `json:"name"`
	Values []json.RawMessage `json:"values"`
}

// validateChartSpec 校验图表载荷：x 为非空字符串标签列表，series 非空，
// 每条序列有名称且 values 与 x 等长
func validateChartSpec(raw json.RawMessage) error {
	var spec struct {
		X      json.RawMessage `json:"x"`
		Series json.RawMessage `json:"series"`
	}
	if err := json.Unmarshal(raw, &spec); err != nil {
		return fmt.Errorf("%w: not a JSON object: %v", ErrInvalidChartSpec, err)
	}
	if len(spec.X) == 0 {
		return fmt.Errorf("%w: missing x", ErrInvalidChartSpec)
	}
	var labels []json.RawMessage
	if err := json.Unmarshal(spec.X, &labels); err != nil || len(labels) == 0 {
		return fmt.Errorf("%w: x must be a non-empty list of strings", ErrInvalidChartSpec)
	}
	for i, l := range labels {
		var s string
		if err := json.Unmarshal(l, &s); err != nil {
			return fmt.Errorf("%w: x[%d] must be a string", ErrInvalidChartSpec, i)
		}
	}

	var series []json.RawMessage
	if err := json.Unmarshal(spec.Series, &series); err != nil || len(series) == 0 {
		return fmt.Errorf("%w: series must be a non-empty list", ErrInvalidChartSpec)
	}
	for i, item := range series {
		var s chartSeries
		if err := json.Unmarshal(item, &s); err != nil {
			return fmt.Errorf("%w: series[%d] must be an object", ErrInvalidChartSpec, i)
		}
		var name string
		if len(s.Name) == 0 || json.Unmarshal(s.Name, &name) != nil {
			return fmt.Errorf("%w: series[%d] missing name", ErrInvalidChartSpec, i)
		}
		if s.Values == nil {
			return fmt.Errorf("%w: series[%d] missing values", ErrInvalidChartSpec, i)
		}
		if len(s.Values) != len(labels) {
			return fmt.Errorf("%w: series[%d].values length %d != x length %d", ErrInvalidChartSpec, i, len(s.Values), len(labels))
		}
	}
	return nil
}
