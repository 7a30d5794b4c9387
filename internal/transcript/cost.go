package transcript

// Per-million-token rates in USD, matching the published Claude Sonnet
// pricing the transcripts were produced under.
const (
	RateInputPerM      = 3.00
	RateOutputPerM     = 15.00
	RateCacheReadPerM  = 0.30
	RateCacheWritePerM = 3.75
)

// CostUSD computes the cost of one assistant message from its four token
// counters against the fixed per-million rates.
func CostUSD(input, output, cacheRead, cacheWrite int64) float64 {
	const million = 1_000_000
	return float64(input)/million*RateInputPerM +
		float64(output)/million*RateOutputPerM +
		float64(cacheRead)/million*RateCacheReadPerM +
		float64(cacheWrite)/million*RateCacheWritePerM
}
