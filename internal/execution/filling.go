package execution

import (
	"slices"

	"mt5-connector/internal/terminal"
)

// fillingPlan 给出即时成交单依次尝试的成交方式。
//
// 先按宽松程度尝试品种声明支持的方式；声明列表用尽后，再补上尚未尝试过的其余方式，且只补一次。
type fillingPlan struct {
	modes    []terminal.FillingMode
	next     int
	tried    []terminal.FillingMode
	extended bool
}

func newFillingPlan(info *terminal.SymbolInfo) *fillingPlan {
	var modes []terminal.FillingMode
	for _, m := range terminal.AllFillingModes {
		if info.Supports(m) {
			modes = append(modes, m)
		}
	}
	if len(modes) == 0 {
		// 位掩码无法识别时直接尝试全部
		return &fillingPlan{modes: slices.Clone(terminal.AllFillingModes), extended: true}
	}
	return &fillingPlan{modes: modes}
}

// 挂单不协商成交方式。
func pendingPlan() *fillingPlan {
	return &fillingPlan{modes: []terminal.FillingMode{terminal.FillingReturn}, extended: true}
}

// Next 返回下一个待尝试的方式，全部用尽时返回 false。
func (p *fillingPlan) Next() (terminal.FillingMode, bool) {
	if p.next >= len(p.modes) && !p.extended {
		p.extended = true
		for _, m := range terminal.AllFillingModes {
			if !slices.Contains(p.modes, m) {
				p.modes = append(p.modes, m)
			}
		}
	}
	if p.next >= len(p.modes) {
		return 0, false
	}
	m := p.modes[p.next]
	p.next++
	p.tried = append(p.tried, m)
	return m, true
}

// Extended 表示是否已进入补充方式阶段。
func (p *fillingPlan) Extended() bool {
	return p.extended
}

// Attempted 返回已尝试过的方式名称。
func (p *fillingPlan) Attempted() []string {
	out := make([]string, 0, len(p.tried))
	for _, m := range p.tried {
		out = append(out, m.String())
	}
	return out
}
