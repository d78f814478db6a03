package ledger

import (
	"fmt"
	"os"

	"gateway/pkg/providerapi"

	"github.com/pkoukk/tiktoken-go"
	"gopkg.in/yaml.v3"
)

// TokenCounter 提示词 Token 计数器
type TokenCounter interface {
	Count(model, text string) int
}

// TiktokenCounter 基于 tiktoken 的计数器
// 编码表不可用时退化为确定性的字节估算，定价必须始终可算。
type TiktokenCounter struct{}

// Count 统计文本 Token 数
func (TiktokenCounter) Count(model, text string) int {
	tkm, err := tiktoken.EncodingForModel(model)
	if err != nil {
		tkm, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		return approxTokens(text)
	}
	return len(tkm.Encode(text, nil, nil))
}

// approxTokens 字节估算，约 4 字节一个 token
func approxTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// CategoryRate 类别费率
type CategoryRate struct {
	CreditsPerUnit int64 `yaml:"credits_per_unit" json:"creditsPerUnit"` // 每计费单位积分
	UnitSize       int64 `yaml:"unit_size" json:"unitSize"`              // 计费单位包含的 token 数 / 张数
	MinCharge      int64 `yaml:"min_charge" json:"minCharge"`            // 单次最低计费
}

// RateTable 固定费率表（按类别计价，与上游实际账单无关）
type RateTable map[providerapi.Category]CategoryRate

// DefaultRateTable 内置默认费率
func DefaultRateTable() RateTable {
	return RateTable{
		providerapi.CategoryText:  {CreditsPerUnit: 1, UnitSize: 1000, MinCharge: 1},
		providerapi.CategoryCode:  {CreditsPerUnit: 2, UnitSize: 1000, MinCharge: 1},
		providerapi.CategoryImage: {CreditsPerUnit: 10, UnitSize: 1, MinCharge: 10},
	}
}

// LoadRateTable 读取费率表文件并覆盖默认值
// path 为空时直接返回内置默认费率。
func LoadRateTable(path string) (RateTable, error) {
	table := DefaultRateTable()
	if path == "" {
		return table, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取费率表失败: %w", err)
	}

	var overrides RateTable
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("解析费率表失败: %w", err)
	}

	for cat, rate := range overrides {
		if _, err := providerapi.ParseCategory(string(cat)); err != nil {
			return nil, err
		}
		if rate.CreditsPerUnit <= 0 || rate.UnitSize <= 0 {
			return nil, fmt.Errorf("类别 %s 的费率非法: 单价与单位必须为正", cat)
		}
		table[cat] = rate
	}
	return table, nil
}

// Pricer 固定费率定价器
// 同一请求描述的定价结果恒定：预估值就是最终扣费值。
type Pricer struct {
	table   RateTable
	counter TokenCounter
}

// NewPricer 创建定价器
// counter 为 nil 时使用 tiktoken 计数器。
func NewPricer(table RateTable, counter TokenCounter) *Pricer {
	if counter == nil {
		counter = TiktokenCounter{}
	}
	return &Pricer{table: table, counter: counter}
}

// Price 计算请求成本（积分）
// text/code 按 提示词 Token 数 + MaxTokens 计价，image 按张数计价。
func (p *Pricer) Price(spec *providerapi.RequestSpec) (int64, error) {
	category, err := providerapi.ParseCategory(spec.Category)
	if err != nil {
		return 0, err
	}
	rate, ok := p.table[category]
	if !ok {
		return 0, fmt.Errorf("类别 %s 缺少费率配置", category)
	}

	switch category {
	case providerapi.CategoryImage:
		count := int64(spec.ImageCount)
		if count <= 0 {
			count = 1
		}
		return applyMinCharge(count*rate.CreditsPerUnit, rate.MinCharge), nil
	default:
		units := int64(p.counter.Count(spec.Model, spec.Prompt)) + int64(spec.MaxTokens)
		cost := (units*rate.CreditsPerUnit + rate.UnitSize - 1) / rate.UnitSize // 向上取整
		return applyMinCharge(cost, rate.MinCharge), nil
	}
}

func applyMinCharge(cost, min int64) int64 {
	if min <= 0 {
		min = 1
	}
	if cost < min {
		return min
	}
	return cost
}
