package stats

import "math"

// ZTestResult is the outcome of a two-proportion z-test.
type ZTestResult struct {
	ZScore float64 `json:"z_score"`
	PValue float64 `json:"p_value"`
}

// TwoProportionZTest compares the treatment conversion rate against the
// control rate using the pooled standard error of both samples. The p-value
// is two-sided. An empty sample or a zero standard error yields z=0, p=1.
func TwoProportionZTest(controlRate float64, controlN int, treatmentRate float64, treatmentN int) ZTestResult {
	if controlN <= 0 || treatmentN <= 0 {
		return ZTestResult{ZScore: 0, PValue: 1}
	}

	se := pooledStandardError(controlRate, controlN, treatmentRate, treatmentN)
	if se == 0 {
		return ZTestResult{ZScore: 0, PValue: 1}
	}

	z := (treatmentRate - controlRate) / se
	p := 2 * (1 - NormalCDF(math.Abs(z)))
	if p > 1 {
		p = 1
	}
	if p < 0 {
		p = 0
	}

	return ZTestResult{ZScore: z, PValue: p}
}

// SignificanceTest returns the confidence (0-1) that variant A converts
// better than variant B, given raw conversion and view counts.
func SignificanceTest(aConv, aViews, bConv, bViews int) float64 {
	if aViews == 0 || bViews == 0 {
		return 0.5 // Need data from both variants
	}

	pA := float64(aConv) / float64(aViews)
	pB := float64(bConv) / float64(bViews)

	se := pooledStandardError(pB, bViews, pA, aViews)
	if se == 0 {
		if pA > pB {
			return 1.0
		} else if pA < pB {
			return 0.0
		}
		return 0.5
	}

	return NormalCDF((pA - pB) / se)
}

func pooledStandardError(r1 float64, n1 int, r2 float64, n2 int) float64 {
	total := float64(n1 + n2)
	pooled := (r1*float64(n1) + r2*float64(n2)) / total
	return math.Sqrt(pooled * (1 - pooled) * (1/float64(n1) + 1/float64(n2)))
}

// Abramowitz and Stegun, Handbook of Mathematical Functions, formula 7.1.26.
// These exact coefficients keep p-values reproducible across implementations.
const (
	erfA1 = 0.254829592
	erfA2 = -0.284496736
	erfA3 = 1.421413741
	erfA4 = -1.453152027
	erfA5 = 1.061405429
	erfP  = 0.3275911
)

// NormalCDF approximates the cumulative distribution function
// of the standard normal distribution.
func NormalCDF(x float64) float64 {
	sign := 1.0
	if x < 0 {
		sign = -1.0
	}
	x = math.Abs(x) / math.Sqrt2

	t := 1.0 / (1.0 + erfP*x)
	y := 1.0 - (((((erfA5*t+erfA4)*t)+erfA3)*t+erfA2)*t+erfA1)*t*math.Exp(-x*x)

	return 0.5 * (1.0 + sign*y)
}
