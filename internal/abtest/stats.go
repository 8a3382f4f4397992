package abtest

import (
	"fmt"
	"math"
)

const (
	MethodZTest               = "two_proportion_z_test"
	MethodRelativeImprovement = "relative_improvement_threshold"

	// zCritical 95% 置信度双侧临界值
	zCritical = 1.96
	// CVR/ARPU 使用相对提升阈值判定，不是严格的假设检验
	cvrImprovementThreshold  = 0.10
	arpuImprovementThreshold = 0.15
)

// TestResult 实验组相对对照组的显著性结果
type TestResult struct {
	Metric         string  `json:"metric"`
	Method         string  `json:"method"`
	Control        string  `json:"control"`
	Treatment      string  `json:"treatment"`
	ControlValue   float64 `json:"controlValue"`
	TreatmentValue float64 `json:"treatmentValue"`
	Improvement    float64 `json:"improvement"` // 相对提升
	ZScore         float64 `json:"zScore,omitempty"`
	PValue         float64 `json:"pValue,omitempty"`
	Threshold      float64 `json:"threshold,omitempty"`
	Significant    bool    `json:"significant"`
}

// StatisticalTest 对每个实验组与对照组比较。metric 取 ctr|cvr|arpu
func (s *Store) StatisticalTest(experimentID, metric string) ([]TestResult, error) {
	exp, err := s.Get(experimentID)
	if err != nil {
		return nil, err
	}
	results, err := s.Results(experimentID)
	if err != nil {
		return nil, err
	}
	baseline := exp.Baseline()
	var control *GroupResult
	for i := range results {
		if results[i].Group == baseline {
			control = &results[i]
		}
	}
	if control == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, baseline)
	}

	out := make([]TestResult, 0, len(results)-1)
	for _, r := range results {
		if r.Group == baseline {
			continue
		}
		var tr TestResult
		switch metric {
		case "ctr":
			tr = ZTest(control.Clicks, control.Impressions, r.Clicks, r.Impressions)
		case "cvr":
			tr = RelativeImprovement(control.CVR, r.CVR, cvrImprovementThreshold)
		case "arpu":
			tr = RelativeImprovement(control.ARPU, r.ARPU, arpuImprovementThreshold)
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnknownMetric, metric)
		}
		tr.Metric = metric
		tr.Control = baseline
		tr.Treatment = r.Group
		out = append(out, tr)
	}
	return out, nil
}

// ZTest 双比例 z 检验，z = (p2-p1) / sqrt(p̄(1-p̄)(1/n1+1/n2))
func ZTest(x1, n1, x2, n2 int64) TestResult {
	r := TestResult{Method: MethodZTest, Threshold: zCritical, PValue: 1}
	if n1 <= 0 || n2 <= 0 {
		return r
	}
	p1 := float64(x1) / float64(n1)
	p2 := float64(x2) / float64(n2)
	r.ControlValue, r.TreatmentValue = p1, p2
	if p1 > 0 {
		r.Improvement = (p2 - p1) / p1
	}

	pooled := float64(x1+x2) / float64(n1+n2)
	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(n1) + 1/float64(n2)))
	if se == 0 {
		return r
	}
	r.ZScore = (p2 - p1) / se
	r.PValue = 2 * (1 - normalCDF(math.Abs(r.ZScore)))
	r.Significant = math.Abs(r.ZScore) > zCritical
	return r
}

// RelativeImprovement 相对提升超过阈值即视为显著
func RelativeImprovement(control, treatment, threshold float64) TestResult {
	r := TestResult{
		Method:         MethodRelativeImprovement,
		ControlValue:   control,
		TreatmentValue: treatment,
		Threshold:      threshold,
	}
	if control > 0 {
		r.Improvement = (treatment - control) / control
	}
	r.Significant = r.Improvement > threshold
	return r
}

func normalCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}
